// Package push hands notifications for offline users to an external push
// service. Notify never blocks on delivery.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// DefaultSubject is the NATS subject push requests are published on.
const DefaultSubject = "push.notifications"

// ErrUnavailable is returned when the push backend cannot accept requests.
var ErrUnavailable = errors.New("push service unavailable")

// Notifier sends a push notification to a user's devices.
type Notifier interface {
	Notify(ctx context.Context, userID protocol.ID, message string, data map[string]any) error
}

// Request is the message published for the push service.
type Request struct {
	UserID  protocol.ID    `json:"user_id"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// LogNotifier only logs. It is used when no push backend is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the request.
func (n *LogNotifier) Notify(_ context.Context, userID protocol.ID, message string, data map[string]any) error {
	n.logger.Info("push notification", "user", userID, "message", message, "data", data)
	return nil
}

// NATSNotifier publishes push requests on a NATS subject. Core NATS publish
// is buffered by the client, so Notify returns without waiting on the server.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// DialNATS connects to url and returns a notifier publishing on subject.
func DialNATS(url, subject string, logger *slog.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("nexus-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("push: disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("push: reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSNotifier(nc, subject, logger), nil
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(nc *nats.Conn, subject string, logger *slog.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{nc: nc, subject: subject, logger: logger}
}

// Notify publishes a Request for userID.
func (n *NATSNotifier) Notify(_ context.Context, userID protocol.ID, message string, data map[string]any) error {
	if n.nc == nil || n.nc.IsClosed() {
		return ErrUnavailable
	}
	body, err := json.Marshal(Request{UserID: userID, Message: message, Data: data, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}
	if err := n.nc.Publish(n.subject, body); err != nil {
		return fmt.Errorf("failed to publish push request: %w", err)
	}
	n.logger.Debug("push request published", "user", userID, "subject", n.subject)
	return nil
}

// Close drains and closes the NATS connection.
func (n *NATSNotifier) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
