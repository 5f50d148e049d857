package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/apmls/protocol"
)

// IDelivery sends protocol messages to other actors through the outbox.
type IDelivery interface {
	// SendFramedMessage sends a public or private handshake message.
	SendFramedMessage(ctx context.Context, recipients []string, msg protocol.Message) error

	// SendPrivateMessage sends an encrypted group message.
	SendPrivateMessage(ctx context.Context, recipients []string, msg protocol.Message) error

	// SendGroupInfo sends a group-info message.
	SendGroupInfo(ctx context.Context, recipients []string, msg protocol.Message) error

	// SendWelcome sends a welcome to newly added members.
	SendWelcome(ctx context.Context, recipients []string, msg protocol.Message) error
}

// IDirectory maps actors to their published key packages.
type IDirectory interface {
	// ResolveKeyPackages returns one public key package per actor, in order.
	ResolveKeyPackages(ctx context.Context, actorIDs []string) ([]protocol.KeyPackage, error)

	// PublishKeyPackage publishes the public half of kp and returns its id.
	PublishKeyPackage(ctx context.Context, kp protocol.KeyPackage) (string, error)
}

// MessageHandler receives the base64 content of one inbound envelope.
type MessageHandler func(ctx context.Context, content string) error

// IReceiver surfaces inbound envelopes to a single handler.
type IReceiver interface {
	// Start begins receiving. It returns after the first poll or once the
	// event stream subscription is running.
	Start(ctx context.Context) error

	// Poll walks the message collection once.
	Poll(ctx context.Context) error

	// RegisterHandler replaces the current handler.
	RegisterHandler(fn MessageHandler)

	// Stop ends background work and waits for it.
	Stop()
}

var (
	// ErrInvalidTimeout is returned when NetworkTimeout is not positive.
	ErrInvalidTimeout = errors.New("network timeout must be positive")
	// ErrInvalidRetryAttempts is returned when RetryAttempts is negative.
	ErrInvalidRetryAttempts = errors.New("retry attempts cannot be negative")
	// ErrInvalidBackoff is returned when RetryBackoff is negative.
	ErrInvalidBackoff = errors.New("retry backoff cannot be negative")
)

// DeliveryConfig holds transport tuning shared by delivery and directory.
type DeliveryConfig struct {
	// NetworkTimeout bounds each HTTP request.
	NetworkTimeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// DefaultDeliveryConfig returns the settings used when none are configured.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		NetworkTimeout: 10 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// Validate checks the configuration for invalid values.
func (c *DeliveryConfig) Validate() error {
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidTimeout, c.NetworkTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRetryAttempts, c.RetryAttempts)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidBackoff, c.RetryBackoff)
	}
	return nil
}
