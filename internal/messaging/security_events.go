package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/modelgate/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// Security event types published to the audit queue
const (
	EventTokenReuseDetected = "token_reuse_detected"
	EventChainRevoked       = "refresh_chain_revoked"
	EventBulkRevocation     = "bulk_token_revocation"
)

// SecurityEvent describes an auth-related incident worth alerting on
type SecurityEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SecurityEventPublisher publishes security events to a message queue.
// Publishing is best-effort: callers must not fail their primary operation
// when a publish fails.
type SecurityEventPublisher interface {
	Publish(ctx context.Context, event SecurityEvent) error
	Close() error
}

// serviceBusPublisher implements SecurityEventPublisher over Azure Service Bus
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// noopPublisher is used for local development without a broker
type noopPublisher struct{}

// NewSecurityEventPublisher creates a publisher for the configured queue.
// With no connection string configured it degrades to a no-op publisher.
func NewSecurityEventPublisher(cfg config.EventsConfig) (SecurityEventPublisher, error) {
	if cfg.ConnectionString == "" {
		return &noopPublisher{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// Publish sends a security event to the queue, sessioned by user so events
// for one user are consumed in order
func (p *serviceBusPublisher) Publish(ctx context.Context, event SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	sessionID := event.UserID
	if sessionID == "" {
		sessionID = event.Type
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"event_type": event.Type,
			"time":       event.Timestamp.Format(time.RFC3339),
		},
		SessionID: &sessionID,
	}

	return p.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus sender and client
func (p *serviceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}

// Publish implementation for the no-op publisher
func (p *noopPublisher) Publish(ctx context.Context, event SecurityEvent) error {
	return nil
}

// Close implementation for the no-op publisher
func (p *noopPublisher) Close() error {
	return nil
}
