//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-demo/internal/auth"
	"github.com/joao-fontenele/storefront-demo/internal/cart"
	"github.com/joao-fontenele/storefront-demo/internal/catalog"
	"github.com/joao-fontenele/storefront-demo/internal/checkout"
	"github.com/joao-fontenele/storefront-demo/internal/domain"
	"github.com/joao-fontenele/storefront-demo/internal/users"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUser(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	id := uuid.New().String()
	_, err := db.Exec(`
		INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
	`, id, name, strings.ToLower(name)+"-"+id[:8]+"@example.com")
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return id
}

func seedProduct(t *testing.T, db *sql.DB, name, price string, stock int) string {
	t.Helper()
	id := uuid.New().String()
	_, err := db.Exec(`
		INSERT INTO products (id, name, price, stock_quantity) VALUES ($1, $2, $3, $4)
	`, id, name, price, stock)
	if err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return id
}

func seedCartItem(t *testing.T, db *sql.DB, userID, productID string, quantity int) string {
	t.Helper()
	id := uuid.New().String()
	_, err := db.Exec(`
		INSERT INTO cart_items (id, user_id, product_id, quantity) VALUES ($1, $2, $3, $4)
	`, id, userID, productID, quantity)
	if err != nil {
		t.Fatalf("failed to seed cart item: %v", err)
	}
	return id
}

func stockOf(t *testing.T, db *sql.DB, productID string) int {
	t.Helper()
	var stock int
	if err := db.QueryRow(`SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("failed to read stock: %v", err)
	}
	return stock
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var count int
	if err := db.QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func TestCheckout_HappyPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	userID := seedUser(t, db, "Alice")
	productID := seedProduct(t, db, "Mechanical Keyboard", "50.00", 10)
	seedCartItem(t, db, userID, productID, 2)

	service, err := checkout.NewService(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	order, err := service.Checkout(ctx, userID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if order.Status != domain.OrderStatusPending {
		t.Errorf("expected status PENDING, got %s", order.Status)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("expected total 100.00, got %s", order.TotalAmount)
	}
	if len(order.Items) != 1 {
		t.Fatalf("expected 1 order item, got %d", len(order.Items))
	}
	if !order.Items[0].UnitPrice.Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("expected unit price 50.00, got %s", order.Items[0].UnitPrice)
	}

	if got := stockOf(t, db, productID); got != 8 {
		t.Errorf("expected stock 8, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1`, userID); got != 0 {
		t.Errorf("expected empty cart, got %d items", got)
	}

	// The persisted total matches the returned one.
	var persistedTotal decimal.Decimal
	if err := db.QueryRow(`SELECT total_amount FROM orders WHERE id = $1`, order.ID).Scan(&persistedTotal); err != nil {
		t.Fatalf("failed to read order: %v", err)
	}
	if !persistedTotal.Equal(order.TotalAmount) {
		t.Errorf("persisted total %s != returned total %s", persistedTotal, order.TotalAmount)
	}
}

func TestCheckout_PriceFrozenAtCheckoutTime(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	userID := seedUser(t, db, "Alice")
	productID := seedProduct(t, db, "Wireless Mouse", "35.50", 5)
	seedCartItem(t, db, userID, productID, 1)

	service, err := checkout.NewService(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	order, err := service.Checkout(ctx, userID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// A later price change must not affect the recorded unit price.
	if _, err := db.Exec(`UPDATE products SET price = '99.99' WHERE id = $1`, productID); err != nil {
		t.Fatalf("failed to update price: %v", err)
	}

	var unitPrice decimal.Decimal
	err = db.QueryRow(`SELECT unit_price FROM order_items WHERE order_id = $1`, order.ID).Scan(&unitPrice)
	if err != nil {
		t.Fatalf("failed to read order item: %v", err)
	}
	if !unitPrice.Equal(decimal.RequireFromString("35.50")) {
		t.Errorf("expected frozen unit price 35.50, got %s", unitPrice)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	userID := seedUser(t, db, "Alice")

	service, err := checkout.NewService(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ordersBefore := countRows(t, db, `SELECT COUNT(*) FROM orders`)

	if _, err := service.Checkout(ctx, userID); !errors.Is(err, checkout.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}

	if got := countRows(t, db, `SELECT COUNT(*) FROM orders`); got != ordersBefore {
		t.Errorf("expected no orders created, got %d new", got-ordersBefore)
	}
}

func TestCheckout_UnknownUser(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	service, err := checkout.NewService(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if _, err := service.Checkout(ctx, uuid.New().String()); !errors.Is(err, checkout.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCheckout_InsufficientStockRollsBackEverything(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	userID := seedUser(t, db, "Alice")
	// Two cart items: the first has plenty of stock, the second is short.
	// The failure on the second item must roll back the decrement already
	// applied to the first.
	plentyID := seedProduct(t, db, "USB-C Dock", "89.90", 100)
	shortID := seedProduct(t, db, "Mechanical Keyboard", "120.00", 1)
	seedCartItem(t, db, userID, plentyID, 3)
	seedCartItem(t, db, userID, shortID, 2)

	service, err := checkout.NewService(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	_, err = service.Checkout(ctx, userID)

	var stockErr *checkout.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ProductName != "Mechanical Keyboard" {
		t.Errorf("expected failure on Mechanical Keyboard, got %s", stockErr.ProductName)
	}
	if stockErr.Requested != 2 || stockErr.Available != 1 {
		t.Errorf("unexpected quantities: %+v", stockErr)
	}

	if got := stockOf(t, db, plentyID); got != 100 {
		t.Errorf("expected stock 100 after rollback, got %d", got)
	}
	if got := stockOf(t, db, shortID); got != 1 {
		t.Errorf("expected stock 1 after rollback, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID); got != 0 {
		t.Errorf("expected no orders, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM order_items`); got != 0 {
		t.Errorf("expected no order items, got %d", got)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1`, userID); got != 2 {
		t.Errorf("expected cart untouched with 2 items, got %d", got)
	}
}

func TestCheckout_ConcurrentCheckoutsDoNotOversell(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	// Stock 3, two users wanting 2 each: only one checkout may succeed.
	productID := seedProduct(t, db, "USB-C Dock", "89.90", 3)
	aliceID := seedUser(t, db, "Alice")
	bobID := seedUser(t, db, "Bob")
	seedCartItem(t, db, aliceID, productID, 2)
	seedCartItem(t, db, bobID, productID, 2)

	service, err := checkout.NewService(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, userID := range []string{aliceID, bobID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = service.Checkout(ctx, userID)
		}()
	}
	wg.Wait()

	var succeeded, stockFailures int
	for _, err := range results {
		var stockErr *checkout.InsufficientStockError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &stockErr):
			stockFailures++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 || stockFailures != 1 {
		t.Errorf("expected exactly one success and one stock failure, got %d/%d", succeeded, stockFailures)
	}
	if got := stockOf(t, db, productID); got != 1 {
		t.Errorf("expected stock 1, got %d", got)
	}
}

func TestCart_AddSameProductTwiceMergesQuantity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	userID := seedUser(t, db, "Alice")
	productID := seedProduct(t, db, "Wireless Mouse", "35.50", 40)

	repo := cart.NewCartRepository(db)

	if err := repo.AddItem(ctx, userID, productID, 2); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	if err := repo.AddItem(ctx, userID, productID, 3); err != nil {
		t.Fatalf("second add failed: %v", err)
	}

	items, err := repo.ListByUser(ctx, userID)
	if err != nil {
		t.Fatalf("failed to list cart: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single merged cart row, got %d", len(items))
	}
	if items[0].Quantity != 5 {
		t.Errorf("expected quantity 5, got %d", items[0].Quantity)
	}
	if items[0].Product == nil || items[0].Product.Name != "Wireless Mouse" {
		t.Errorf("expected product populated, got %+v", items[0].Product)
	}
}

func TestStoreHTTPFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := sql.Open("postgres", pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	userID := seedUser(t, db, "Alice")
	productID := seedProduct(t, db, "Mechanical Keyboard", "50.00", 10)

	logger := testLogger()
	userRepo := users.NewUserRepository(db)
	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)

	service, err := checkout.NewService(db, logger)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	cartHandler := cart.NewHandler(cartRepo, userRepo, productRepo, logger)
	checkoutHandler := checkout.NewHandler(service, nil, logger)

	withUser := auth.Middleware("")
	mux := http.NewServeMux()
	mux.Handle("GET /cart", withUser(http.HandlerFunc(cartHandler.HandleGetCart)))
	mux.Handle("POST /cart", withUser(http.HandlerFunc(cartHandler.HandleAddItem)))
	mux.Handle("POST /checkout", withUser(http.HandlerFunc(checkoutHandler.HandleCheckout)))

	doJSON := func(method, path, body string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.UserIDHeader, userID)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := doJSON(http.MethodPost, "/cart", `{"product_id": "`+productID+`", "quantity": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add to cart: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(http.MethodPost, "/checkout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var order domain.Order
	if err := json.NewDecoder(rec.Body).Decode(&order); err != nil {
		t.Fatalf("failed to decode order: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("expected total 100.00, got %s", order.TotalAmount)
	}

	rec = doJSON(http.MethodGet, "/cart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get cart: expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty cart after checkout, got %s", body)
	}

	// A second checkout on the now-empty cart must fail.
	rec = doJSON(http.MethodPost, "/checkout", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for empty cart, got %d", rec.Code)
	}
}
