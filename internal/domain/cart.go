package domain

// CartItem is an unconfirmed purchase intent. There is at most one row per
// (user, product) pair; adding the same product again increments the quantity.
type CartItem struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`

	// Product is populated on reads for display purposes.
	Product *Product `json:"product,omitempty"`
}
