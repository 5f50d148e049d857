package apmls

import (
	"net/http"
	"time"

	"github.com/opd-ai/apmls/config"
	"github.com/opd-ai/apmls/interfaces"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

// DefaultGenerator names this software in published key packages.
const DefaultGenerator = "apmls"

// Options configures a Client.
type Options struct {
	// ActorID is the local user's actor id. Required.
	ActorID string
	// OutboxURL and MessagesURL are read from the actor document when
	// empty.
	OutboxURL   string
	MessagesURL string
	// Token is sent as a bearer token on every request.
	Token string
	// HTTPClient, if set, carries every request.
	HTTPClient *http.Client

	// Store overrides StoreDriver. The client does not close a store it
	// did not open.
	Store           store.Store
	StoreDriver     string
	StorePath       string
	StorePassphrase string

	// Engine defaults to the insecure development engine.
	Engine protocol.Engine

	Delivery       interfaces.DeliveryConfig
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	PreviewLength  int
	Generator      string
}

// NewOptions returns options with an in-memory store and default transport
// settings.
func NewOptions() *Options {
	return &Options{
		StoreDriver:    config.DriverMemory,
		Delivery:       interfaces.DefaultDeliveryConfig(),
		ReconnectDelay: time.Second,
		Generator:      DefaultGenerator,
	}
}

// OptionsFromConfig maps a loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) *Options {
	return &Options{
		ActorID:         cfg.Actor.ID,
		OutboxURL:       cfg.Actor.Outbox,
		MessagesURL:     cfg.Actor.Messages,
		Token:           cfg.Actor.Token,
		StoreDriver:     cfg.Store.Driver,
		StorePath:       cfg.Store.Path,
		StorePassphrase: cfg.Store.Passphrase,
		Delivery:        cfg.Delivery(),
		PollInterval:    cfg.Network.PollInterval,
		ReconnectDelay:  cfg.Network.ReconnectDelay,
		PreviewLength:   cfg.Client.PreviewLength,
		Generator:       cfg.Client.Generator,
	}
}
