package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront-demo/internal/domain"
)

var tracer = otel.Tracer("checkout")

// Service converts a user's entire cart into a persisted order inside a
// single database transaction. Concurrency contract: every product row is
// read with SELECT ... FOR UPDATE before its stock is checked and
// decremented, so concurrent checkouts touching the same product serialize
// on the row lock and can never drive stock below zero. Cart items are
// processed in ascending cart item id order, which makes the failing
// product deterministic when several are short.
type Service struct {
	db     *sql.DB
	logger *slog.Logger

	ordersPlaced metric.Int64Counter
	failures     metric.Int64Counter
	duration     metric.Float64Histogram
}

func NewService(db *sql.DB, logger *slog.Logger) (*Service, error) {
	meter := otel.Meter("checkout")

	ordersPlaced, err := meter.Int64Counter("store.checkout.orders_placed",
		metric.WithDescription("Number of orders created by checkout"))
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("store.checkout.failures",
		metric.WithDescription("Number of failed checkout attempts by reason"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("store.checkout.duration",
		metric.WithDescription("Checkout duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Service{
		db:           db,
		logger:       logger,
		ordersPlaced: ordersPlaced,
		failures:     failures,
		duration:     duration,
	}, nil
}

// cartLine is a cart row as loaded at the start of checkout.
type cartLine struct {
	id        string
	productID string
	quantity  int
}

func (s *Service) Checkout(ctx context.Context, userID string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	start := time.Now()
	order, err := s.checkout(ctx, userID)
	s.duration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failureReason(err))))
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.ordersPlaced.Add(ctx, 1)
	return order, nil
}

func (s *Service) checkout(ctx context.Context, userID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	// Rollback is a no-op after Commit; any early return below discards
	// every write made so far.
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM users WHERE id = $1
	`, userID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	lines, err := s.loadCart(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	order := &domain.Order{
		ID:          uuid.New().String(),
		UserID:      userID,
		Status:      domain.OrderStatusPending,
		TotalAmount: decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, order.ID, order.UserID, order.Status, order.TotalAmount, order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	total := decimal.Zero
	cartItemIDs := make([]string, 0, len(lines))

	for _, line := range lines {
		var (
			name  string
			price decimal.Decimal
			stock int
		)
		// The row lock serializes concurrent checkouts on this product.
		err = tx.QueryRowContext(ctx, `
			SELECT name, price, stock_quantity
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, line.productID).Scan(&name, &price, &stock)
		if err != nil {
			return nil, fmt.Errorf("load product %s: %w", line.productID, err)
		}

		if stock < line.quantity {
			return nil, &InsufficientStockError{
				ProductName: name,
				Requested:   line.quantity,
				Available:   stock,
			}
		}

		// The stock_quantity >= $2 condition is redundant under the row
		// lock above, but keeps the non-negative invariant enforced in a
		// single statement.
		result, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity - $2
			WHERE id = $1 AND stock_quantity >= $2
		`, line.productID, line.quantity)
		if err != nil {
			return nil, fmt.Errorf("decrement stock for product %s: %w", line.productID, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rowsAffected == 0 {
			return nil, &InsufficientStockError{
				ProductName: name,
				Requested:   line.quantity,
				Available:   stock,
			}
		}

		// Freeze the unit price at this moment: later price changes never
		// retroactively affect this order.
		item := domain.OrderItem{
			ID:        uuid.New().String(),
			ProductID: line.productID,
			Quantity:  line.quantity,
			UnitPrice: price,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, item.ID, order.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("create order item: %w", err)
		}

		total = total.Add(price.Mul(decimal.NewFromInt(int64(line.quantity))))
		order.Items = append(order.Items, item)
		cartItemIDs = append(cartItemIDs, line.id)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET total_amount = $1 WHERE id = $2
	`, total, order.ID)
	if err != nil {
		return nil, fmt.Errorf("finalize order total: %w", err)
	}
	order.TotalAmount = total

	// Empty the cart: delete exactly the rows loaded at the start.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM cart_items WHERE id = ANY($1)
	`, pq.Array(cartItemIDs))
	if err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("checkout complete",
		"order_id", order.ID,
		"user_id", userID,
		"items", len(order.Items),
		"total", order.TotalAmount.String(),
	)

	return order, nil
}

func (s *Service) loadCart(ctx context.Context, tx *sql.Tx, userID string) ([]cartLine, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, quantity
		FROM cart_items
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load cart items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []cartLine
	for rows.Next() {
		var line cartLine
		if err := rows.Scan(&line.id, &line.productID, &line.quantity); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

func failureReason(err error) string {
	var stockErr *InsufficientStockError
	switch {
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.As(err, &stockErr):
		return "insufficient_stock"
	default:
		return "internal"
	}
}
