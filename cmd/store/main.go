package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/storefront-demo/internal/auth"
	"github.com/joao-fontenele/storefront-demo/internal/cart"
	"github.com/joao-fontenele/storefront-demo/internal/catalog"
	"github.com/joao-fontenele/storefront-demo/internal/checkout"
	"github.com/joao-fontenele/storefront-demo/internal/messaging"
	"github.com/joao-fontenele/storefront-demo/internal/orders"
	"github.com/joao-fontenele/storefront-demo/internal/telemetry"
	"github.com/joao-fontenele/storefront-demo/internal/users"
)

// seededUserID is the demo user from the seed migration; it stands in for
// a real authentication collaborator when no X-User-ID header is sent.
const seededUserID = "00000000-0000-0000-0000-000000000001"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "store", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("store", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var producer *messaging.Producer
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		producer = messaging.NewProducer(brokers, "order.placed")
		defer func() { _ = producer.Close() }()
	}

	defaultUserID := os.Getenv("DEFAULT_USER_ID")
	if defaultUserID == "" {
		defaultUserID = seededUserID
	}

	userRepo := users.NewUserRepository(db)
	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)

	checkoutService, err := checkout.NewService(db, logger)
	if err != nil {
		logger.Error("failed to create checkout service", "error", err)
		os.Exit(1)
	}

	catalogHandler := catalog.NewHandler(productRepo, logger)
	cartHandler := cart.NewHandler(cartRepo, userRepo, productRepo, logger)
	orderHandler := orders.NewHandler(orderRepo, logger)

	// Avoid wrapping a nil *Producer in a non-nil interface.
	var publisher checkout.EventPublisher
	if producer != nil {
		publisher = producer
	}
	checkoutHandler := checkout.NewHandler(checkoutService, publisher, logger)

	withUser := auth.Middleware(defaultUserID)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", telemetry.WithHTTPRoute(catalogHandler.HandleList))
	mux.HandleFunc("GET /products/{id}", telemetry.WithHTTPRoute(catalogHandler.HandleGet))
	mux.Handle("GET /cart", withUser(telemetry.WithHTTPRoute(cartHandler.HandleGetCart)))
	mux.Handle("POST /cart", withUser(telemetry.WithHTTPRoute(cartHandler.HandleAddItem)))
	mux.Handle("DELETE /cart/{itemId}", withUser(telemetry.WithHTTPRoute(cartHandler.HandleRemoveItem)))
	mux.Handle("POST /checkout", withUser(telemetry.WithHTTPRoute(checkoutHandler.HandleCheckout)))
	mux.Handle("GET /orders", withUser(telemetry.WithHTTPRoute(orderHandler.HandleList)))
	mux.Handle("GET /orders/{id}", withUser(telemetry.WithHTTPRoute(orderHandler.HandleGet)))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "store",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting store service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
