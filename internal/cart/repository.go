package cart

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-demo/internal/domain"
)

type CartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

// ListByUser returns the user's cart items with their product populated,
// in ascending item id order.
func (r *CartRepository) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ci.id, ci.user_id, ci.product_id, ci.quantity,
		       p.name, p.description, p.price, p.stock_quantity, p.image_url, p.created_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id = $1
		ORDER BY ci.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.CartItem
	for rows.Next() {
		var item domain.CartItem
		product := &domain.Product{}
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.ProductID, &item.Quantity,
			&product.Name, &product.Description, &product.Price,
			&product.StockQuantity, &product.ImageURL, &product.CreatedAt,
		); err != nil {
			return nil, err
		}
		product.ID = item.ProductID
		item.Product = product
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// AddItem inserts a cart row, or increments the quantity when the user
// already has the product in their cart. The UNIQUE(user_id, product_id)
// constraint makes the upsert race-safe.
func (r *CartRepository) AddItem(ctx context.Context, userID, productID string, quantity int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cart_items (id, user_id, product_id, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
	`, uuid.New().String(), userID, productID, quantity)
	return err
}

// RemoveItem deletes a cart row by id. Removing an id that no longer
// exists is a no-op; the returned bool reports whether a row was deleted.
func (r *CartRepository) RemoveItem(ctx context.Context, itemID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE id = $1
	`, itemID)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}
