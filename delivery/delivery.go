// Package delivery posts protocol messages to the local actor's outbox as
// Create activities.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/interfaces"
	"github.com/opd-ai/apmls/metrics"
	"github.com/opd-ai/apmls/protocol"
)

// ErrStatus is matched by every non-2xx outbox response.
var ErrStatus = activitypub.ErrStatus

// StatusError carries the status code of a rejected request.
type StatusError = activitypub.StatusError

// Sleeper waits between retries.
type Sleeper interface {
	// Sleep pauses for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// DefaultSleeper waits on a timer.
type DefaultSleeper struct{}

// Sleep implements Sleeper.
func (DefaultSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delivery implements interfaces.IDelivery over HTTP.
type Delivery struct {
	actorID   string
	outboxURL string
	codec     protocol.Codec
	client    *activitypub.Client
	config    interfaces.DeliveryConfig
	mu        sync.RWMutex
	sleeper   Sleeper
}

var _ interfaces.IDelivery = (*Delivery)(nil)

// New returns a Delivery posting to outboxURL on behalf of actorID.
func New(actorID, outboxURL string, codec protocol.Codec, client *activitypub.Client, config interfaces.DeliveryConfig) *Delivery {
	logrus.WithFields(logrus.Fields{
		"function": "delivery.New",
		"actor":    actorID,
		"outbox":   outboxURL,
		"timeout":  config.NetworkTimeout,
		"retries":  config.RetryAttempts,
	}).Debug("Creating outbox delivery")

	if client == nil {
		client = activitypub.NewClient("")
	}
	return &Delivery{
		actorID:   actorID,
		outboxURL: outboxURL,
		codec:     codec,
		client:    client,
		config:    config,
		sleeper:   DefaultSleeper{},
	}
}

// SetSleeper replaces the retry sleeper, mainly for tests.
func (d *Delivery) SetSleeper(s Sleeper) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleeper = s
}

// SendFramedMessage implements interfaces.IDelivery.
func (d *Delivery) SendFramedMessage(ctx context.Context, recipients []string, msg protocol.Message) error {
	objectType := activitypub.TypePrivateMessage
	if msg.WireFormat == protocol.WireFormatPublicMessage {
		objectType = activitypub.TypePublicMessage
	}
	return d.send(ctx, objectType, recipients, msg)
}

// SendPrivateMessage implements interfaces.IDelivery.
func (d *Delivery) SendPrivateMessage(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.send(ctx, activitypub.TypePrivateMessage, recipients, msg)
}

// SendGroupInfo implements interfaces.IDelivery.
func (d *Delivery) SendGroupInfo(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.send(ctx, activitypub.TypeGroupInfo, recipients, msg)
}

// SendWelcome implements interfaces.IDelivery.
func (d *Delivery) SendWelcome(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.send(ctx, activitypub.TypeWelcome, recipients, msg)
}

// Recipients returns recipients without actorID and without duplicates.
func Recipients(actorID string, recipients []string) []string {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if r == "" || r == actorID || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func (d *Delivery) send(ctx context.Context, objectType string, recipients []string, msg protocol.Message) error {
	others := Recipients(d.actorID, recipients)
	if len(others) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Delivery.send",
			"type":     objectType,
		}).Debug("No recipients besides self, skipping delivery")
		metrics.Delivery(objectType, metrics.ResultSkipped)
		return nil
	}

	payload, err := d.codec.Encode(msg)
	if err != nil {
		metrics.Delivery(objectType, metrics.ResultError)
		return fmt.Errorf("encode %s: %w", objectType, err)
	}

	envelope := activitypub.NewEnvelope(d.actorID, objectType, others, payload)
	if err := d.attemptDeliveryWithRetries(ctx, objectType, envelope); err != nil {
		metrics.Delivery(objectType, metrics.ResultError)
		return err
	}
	metrics.Delivery(objectType, metrics.ResultOK)
	return nil
}

// attemptDeliveryWithRetries posts envelope, retrying transport errors and
// 5xx responses with linear backoff.
func (d *Delivery) attemptDeliveryWithRetries(ctx context.Context, objectType string, envelope activitypub.Envelope) error {
	attempts := d.config.RetryAttempts + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := d.post(ctx, envelope)
		if err == nil {
			logDeliverySuccess(objectType, len(envelope.To), attempt+1)
			return nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			logDeliveryRetry(objectType, attempt+1, err)
			metrics.DeliveryRetry()
			if err := d.waitBeforeRetry(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
	}
	return d.handleDeliveryFailure(objectType, lastErr)
}

func (d *Delivery) post(ctx context.Context, envelope activitypub.Envelope) error {
	if d.config.NetworkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.NetworkTimeout)
		defer cancel()
	}
	_, err := d.client.Post(ctx, d.outboxURL, envelope)
	return err
}

// retryable reports whether err may clear up on its own.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

func logDeliverySuccess(objectType string, recipients, attempt int) {
	logrus.WithFields(logrus.Fields{
		"function":   "Delivery.send",
		"type":       objectType,
		"recipients": recipients,
		"attempt":    attempt,
	}).Debug("Activity delivered to outbox")
}

func logDeliveryRetry(objectType string, attempt int, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Delivery.send",
		"type":     objectType,
		"attempt":  attempt,
		"error":    err.Error(),
	}).Warn("Outbox delivery attempt failed, retrying")
}

func (d *Delivery) waitBeforeRetry(ctx context.Context, attempt int) error {
	d.mu.RLock()
	sleeper := d.sleeper
	d.mu.RUnlock()
	return sleeper.Sleep(ctx, d.config.RetryBackoff*time.Duration(attempt+1))
}

func (d *Delivery) handleDeliveryFailure(objectType string, lastErr error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Delivery.send",
		"type":     objectType,
		"outbox":   d.outboxURL,
		"error":    lastErr.Error(),
	}).Error("Outbox delivery failed")

	return fmt.Errorf("deliver %s to %s: %w", objectType, d.outboxURL, lastErr)
}
