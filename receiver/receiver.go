// Package receiver retrieves envelopes addressed to the local actor from its
// mls:messages collection and hands their content to a single handler.
//
// Start checks the collection once. If it advertises an event stream the
// receiver subscribes and polls whenever an event arrives; otherwise it
// polls immediately. Polls always walk the collection from the start, so
// the handler must tolerate seeing the same content more than once.
package receiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/interfaces"
	"github.com/opd-ai/apmls/metrics"
)

const (
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running receiver.
var ErrAlreadyStarted = errors.New("receiver already started")

// Config configures a Receiver.
type Config struct {
	ActorID     string
	MessagesURL string
	Client      *activitypub.Client

	// PollInterval, if positive, adds a periodic poll in the background.
	PollInterval time.Duration
	// ReconnectDelay is the first wait before reopening a dropped event
	// stream. It grows on each failed attempt up to 30s.
	ReconnectDelay time.Duration
}

// Receiver implements interfaces.IReceiver.
type Receiver struct {
	config Config
	client *activitypub.Client

	mutex   sync.RWMutex
	handler interfaces.MessageHandler
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pollMutex sync.Mutex
	polling   bool
	queued    *pollRun
}

// pollRun is a queued walk of the collection that callers wait on.
type pollRun struct {
	done chan struct{}
	err  error
}

var _ interfaces.IReceiver = (*Receiver)(nil)

// New returns a stopped receiver with a handler that only logs.
func New(config Config) *Receiver {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaultReconnectDelay
	}
	client := config.Client
	if client == nil {
		client = activitypub.NewClient("")
	}
	return &Receiver{
		config:  config,
		client:  client,
		handler: logHandler,
	}
}

func logHandler(ctx context.Context, content string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.handler",
		"size":     len(content),
	}).Info("Received message with no handler registered")
	return nil
}

// RegisterHandler implements interfaces.IReceiver. The last registration
// wins; a nil handler restores the logging default.
func (r *Receiver) RegisterHandler(fn interfaces.MessageHandler) {
	if fn == nil {
		fn = logHandler
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handler = fn
}

// Start implements interfaces.IReceiver. Background work lasts until Stop
// is called or ctx is done.
func (r *Receiver) Start(ctx context.Context) error {
	r.mutex.Lock()
	if r.running {
		r.mutex.Unlock()
		return ErrAlreadyStarted
	}
	r.running = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Start",
		"actor":    r.config.ActorID,
		"messages": r.config.MessagesURL,
	}).Info("Starting receiver")

	collection, err := r.client.Load(runCtx, r.config.MessagesURL)
	if err != nil {
		r.Stop()
		return err
	}

	if r.config.PollInterval > 0 {
		r.wg.Add(1)
		go r.pollLoop(runCtx)
	}

	if stream := collection.EventStream(); stream != "" {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.Start",
			"stream":   stream,
		}).Info("Collection advertises an event stream, subscribing")
		r.wg.Add(1)
		go r.streamLoop(runCtx, stream)
		return nil
	}

	return r.Poll(runCtx)
}

// Stop implements interfaces.IReceiver.
func (r *Receiver) Stop() {
	r.mutex.Lock()
	if !r.running {
		r.mutex.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mutex.Unlock()

	cancel()
	r.wg.Wait()
}

// Poll implements interfaces.IReceiver. If a poll is already running the
// call queues one more walk of the collection and waits for it, so content
// present when Poll was called has been handled when it returns. Any number
// of such calls share a single rerun.
func (r *Receiver) Poll(ctx context.Context) error {
	r.pollMutex.Lock()
	if r.polling {
		if r.queued == nil {
			r.queued = &pollRun{done: make(chan struct{})}
		}
		run := r.queued
		r.pollMutex.Unlock()

		select {
		case <-run.done:
			return run.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.polling = true
	r.pollMutex.Unlock()

	var current *pollRun
	for {
		err := r.pollOnce(ctx)

		r.pollMutex.Lock()
		if current != nil {
			current.err = err
			close(current.done)
		}
		next := r.queued
		r.queued = nil
		if next == nil || ctx.Err() != nil {
			r.polling = false
			r.pollMutex.Unlock()
			if next != nil {
				next.err = ctx.Err()
				close(next.done)
			}
			return err
		}
		r.pollMutex.Unlock()
		current = next
	}
}

func (r *Receiver) pollOnce(ctx context.Context) error {
	r.mutex.RLock()
	handler := r.handler
	r.mutex.RUnlock()

	count := 0
	for item, err := range activitypub.Range(ctx, r.client, r.config.MessagesURL) {
		if err != nil {
			metrics.Poll(metrics.ResultError)
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Poll",
				"messages": r.config.MessagesURL,
				"error":    err.Error(),
			}).Warn("Message collection walk failed")
			return err
		}
		content := item.Content()
		if content == "" {
			continue
		}
		count++
		if err := handler(ctx, content); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Poll",
				"item":     item.ID(),
				"error":    err.Error(),
			}).Warn("Handler rejected message, continuing")
		}
	}

	metrics.Poll(metrics.ResultOK)
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Poll",
		"items":    count,
	}).Debug("Poll complete")
	return nil
}

func (r *Receiver) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}
