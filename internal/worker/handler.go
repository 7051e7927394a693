package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/storefront-demo/internal/domain"
)

type UserGetter interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// ConfirmationHandler turns order.placed events into confirmation emails.
// It never touches the order itself: by the time the event exists the
// checkout transaction has already committed.
type ConfirmationHandler struct {
	users           UserGetter
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewConfirmationHandler(users UserGetter, emailServiceURL string, client *http.Client, logger *slog.Logger) *ConfirmationHandler {
	return &ConfirmationHandler{
		users:           users,
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

func (h *ConfirmationHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderPlacedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order placed event: %w", err)
	}

	h.logger.Info("processing order placed event", "order_id", event.OrderID, "user_id", event.UserID)

	user, err := h.users.GetByID(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", event.UserID, err)
	}
	if user == nil {
		// The user existed when the order was placed; treat a missing row
		// as a skipped notification, not a poison message.
		h.logger.Warn("user not found, skipping confirmation", "order_id", event.OrderID, "user_id", event.UserID)
		return nil
	}

	if err := h.sendConfirmationEmail(ctx, user, event); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("order confirmation sent", "order_id", event.OrderID, "to", user.Email)
	return nil
}

func (h *ConfirmationHandler) sendConfirmationEmail(ctx context.Context, user *domain.User, event domain.OrderPlacedEvent) error {
	body := map[string]string{
		"to":      user.Email,
		"subject": "Order Confirmation: " + event.OrderID,
		"body": fmt.Sprintf("Hi %s, we received your order %s (%d items, total %s). It is now being processed.",
			user.Name, event.OrderID, len(event.Items), event.TotalAmount.StringFixed(2)),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
