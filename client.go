package apmls

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/config"
	"github.com/opd-ai/apmls/delivery"
	"github.com/opd-ai/apmls/directory"
	"github.com/opd-ai/apmls/group"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/protocol/devmls"
	"github.com/opd-ai/apmls/receiver"
	"github.com/opd-ai/apmls/store"
	"github.com/opd-ai/apmls/store/boltstore"
	"github.com/opd-ai/apmls/store/sqlstore"
)

var (
	// ErrNoActor is returned by New without an actor id.
	ErrNoActor = errors.New("apmls: actor id is required")
	// ErrUnknownDriver is returned for an unsupported store driver.
	ErrUnknownDriver = errors.New("apmls: unknown store driver")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("apmls: client closed")
)

// Client is one local actor: its group session plus the transport and
// storage it runs on. The embedded Session provides the group operations.
type Client struct {
	*group.Session

	options   Options
	store     store.Store
	ownsStore bool
	engine    protocol.Engine
	http      *activitypub.Client
	delivery  *delivery.Delivery
	directory *directory.Directory
	receiver  *receiver.Receiver

	mu     sync.Mutex
	closed bool
}

// New builds a client for options.ActorID. Missing collection URLs are
// discovered from the actor document, which is the only network call New
// makes.
func New(ctx context.Context, options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	o := *options
	if o.ActorID == "" {
		return nil, ErrNoActor
	}
	if o.Generator == "" {
		o.Generator = DefaultGenerator
	}
	if err := o.Delivery.Validate(); err != nil {
		return nil, fmt.Errorf("apmls: %w", err)
	}

	httpClient := o.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	api := &activitypub.Client{
		HTTP:    httpClient,
		Token:   o.Token,
		Timeout: o.Delivery.NetworkTimeout,
	}

	if o.OutboxURL == "" || o.MessagesURL == "" {
		if err := discover(ctx, api, &o); err != nil {
			return nil, err
		}
	}

	st, owns, err := openStore(&o)
	if err != nil {
		return nil, err
	}

	engine := o.Engine
	if engine == nil {
		engine = devmls.New()
	}

	c := &Client{
		options:   o,
		store:     st,
		ownsStore: owns,
		engine:    engine,
		http:      api,
		delivery:  delivery.New(o.ActorID, o.OutboxURL, engine, api, o.Delivery),
		directory: directory.New(o.ActorID, o.OutboxURL, o.Generator, engine, api),
		receiver: receiver.New(receiver.Config{
			ActorID:        o.ActorID,
			MessagesURL:    o.MessagesURL,
			Client:         api,
			PollInterval:   o.PollInterval,
			ReconnectDelay: o.ReconnectDelay,
		}),
	}

	c.Session, err = group.New(group.Config{
		Actor:         o.ActorID,
		Store:         st,
		Engine:        engine,
		Delivery:      c.delivery,
		Directory:     c.directory,
		PreviewLength: o.PreviewLength,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.receiver.RegisterHandler(c.Session.OnEnvelope)

	logrus.WithFields(logrus.Fields{
		"function": "apmls.New",
		"actor":    o.ActorID,
		"outbox":   o.OutboxURL,
		"messages": o.MessagesURL,
		"store":    o.StoreDriver,
	}).Info("Client ready")

	return c, nil
}

// discover fills in the outbox and messages URLs from the actor document.
func discover(ctx context.Context, api *activitypub.Client, o *Options) error {
	actor, err := api.Load(ctx, o.ActorID)
	if err != nil {
		return fmt.Errorf("apmls: discover %s: %w", o.ActorID, err)
	}
	if o.OutboxURL == "" {
		o.OutboxURL = actor.Outbox()
	}
	if o.MessagesURL == "" {
		o.MessagesURL = actor.Messages()
	}
	if o.OutboxURL == "" || o.MessagesURL == "" {
		return fmt.Errorf("apmls: actor %s advertises no outbox or messages collection", o.ActorID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "apmls.discover",
		"actor":    o.ActorID,
		"outbox":   o.OutboxURL,
		"messages": o.MessagesURL,
	}).Debug("Discovered actor collections")

	return nil
}

func openStore(o *Options) (store.Store, bool, error) {
	if o.Store != nil {
		return o.Store, false, nil
	}

	switch o.StoreDriver {
	case "", config.DriverMemory:
		return store.NewMemory(), true, nil
	case config.DriverBolt:
		var opts []boltstore.Option
		if o.StorePassphrase != "" {
			opts = append(opts, boltstore.WithPassphrase([]byte(o.StorePassphrase)))
		}
		s, err := boltstore.Open(o.StorePath, opts...)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	case config.DriverSQLite:
		if o.StorePassphrase != "" {
			logrus.WithFields(logrus.Fields{
				"function": "apmls.openStore",
				"driver":   o.StoreDriver,
			}).Warn("Store passphrase is ignored by the sqlite driver")
		}
		s, err := sqlstore.Open(o.StorePath)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownDriver, o.StoreDriver)
	}
}

// Store returns the client's store.
func (c *Client) Store() store.Store {
	return c.store
}

// OnChange registers fn to run after every store mutation.
func (c *Client) OnChange(fn func()) func() {
	return c.store.OnChange(fn)
}

// EnsureKeyPackage returns the stored key package, generating and saving a
// new one on first use.
func (c *Client) EnsureKeyPackage(ctx context.Context) (*protocol.KeyPackage, error) {
	kp, err := c.store.LoadKeyPackage(ctx)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load key package: %w", err)
	}

	kp, err = c.engine.GenerateKeyPackage(ctx, c.options.ActorID)
	if err != nil {
		return nil, fmt.Errorf("generate key package: %w", err)
	}
	if err := c.store.SaveKeyPackage(ctx, kp); err != nil {
		return nil, fmt.Errorf("save key package: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Client.EnsureKeyPackage",
		"actor":       c.options.ActorID,
		"public_size": len(kp.Public),
	}).Info("Generated key package")

	return kp, nil
}

// PublishKeyPackage publishes the public half of the local key package,
// generating one if needed, and returns its location.
func (c *Client) PublishKeyPackage(ctx context.Context) (string, error) {
	kp, err := c.EnsureKeyPackage(ctx)
	if err != nil {
		return "", err
	}
	return c.directory.PublishKeyPackage(ctx, *kp)
}

// Start begins receiving envelopes in the background.
func (c *Client) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.receiver.Start(ctx)
}

// Poll walks the messages collection and ingests everything new. When a
// poll started by the event stream is already running, Poll waits for one
// more walk after it, so everything posted before the call is ingested when
// it returns.
func (c *Client) Poll(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.receiver.Poll(ctx)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops receiving and closes the store if the client opened it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.receiver.Stop()
	return c.closeStore()
}

func (c *Client) closeStore() error {
	if !c.ownsStore {
		return nil
	}
	return c.store.Close()
}
