package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/storefront-demo/internal/auth"
	"github.com/joao-fontenele/storefront-demo/internal/domain"
)

type CheckoutService interface {
	Checkout(ctx context.Context, userID string) (*domain.Order, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	service   CheckoutService
	publisher EventPublisher
	logger    *slog.Logger
}

func NewHandler(service CheckoutService, publisher EventPublisher, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	order, err := h.service.Checkout(r.Context(), userID)
	if err != nil {
		var stockErr *InsufficientStockError
		switch {
		case errors.Is(err, ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, ErrEmptyCart):
			h.writeError(w, http.StatusConflict, "cart is empty")
		case errors.As(err, &stockErr):
			h.writeError(w, http.StatusConflict, stockErr.Error())
		default:
			h.logger.Error("checkout failed", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	// The event is published after the transaction committed; a publish
	// failure never turns a completed checkout into an error.
	if h.publisher != nil {
		event := domain.OrderPlacedEvent{
			OrderID:     order.ID,
			UserID:      order.UserID,
			Items:       order.Items,
			TotalAmount: order.TotalAmount,
			Timestamp:   time.Now().UTC(),
		}
		if err := h.publisher.Publish(r.Context(), order.ID, event); err != nil {
			h.logger.Error("failed to publish order placed event", "error", err, "order_id", order.ID)
		}
	}

	h.logger.Info("order placed", "order_id", order.ID, "user_id", userID)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
