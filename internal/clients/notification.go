package clients

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"campuslib/internal/lending"
)

// NotificationClient posts borrower messages to the notification service behind a circuit breaker.
type NotificationClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ lending.Notifier = (*NotificationClient)(nil)

// NewNotificationClient trips after five consecutive failures and probes again after 30s.
func NewNotificationClient(baseURL string, logger *slog.Logger) *NotificationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notifications",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

type notification struct {
	UserID  uuid.UUID `json:"user_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Type    string    `json:"notification_type"`
}

// notificationType classifies a message by its title. Unknown titles are INFO.
func notificationType(title string) string {
	switch title {
	case "Library Due Date Reminder":
		return "REMINDER"
	case "Library Fine Due", "Overdue Book":
		return "ALERT"
	default:
		return "INFO"
	}
}

func (c *NotificationClient) Notify(ctx context.Context, borrowerID uuid.UUID, title, message string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, notification{
			UserID:  borrowerID,
			Title:   title,
			Message: message,
			Type:    notificationType(title),
		})
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", borrowerID, err)
	}
	return nil
}

func (c *NotificationClient) post(ctx context.Context, n notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
