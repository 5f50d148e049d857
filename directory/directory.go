// Package directory resolves actors to the key packages they published and
// publishes the local actor's own key package.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/interfaces"
	"github.com/opd-ai/apmls/protocol"
)

// ErrNoKeyPackage is returned when an actor has no usable key package.
var ErrNoKeyPackage = errors.New("no key package published")

// Codec is what the directory needs from the protocol engine.
type Codec interface {
	protocol.Codec
	KeyPackageMessage(kp protocol.KeyPackage) (protocol.Message, error)
	ParseKeyPackage(msg protocol.Message) (protocol.KeyPackage, error)
}

// Directory implements interfaces.IDirectory over ActivityPub.
type Directory struct {
	actorID   string
	outboxURL string
	generator string
	codec     Codec
	client    *activitypub.Client
}

var _ interfaces.IDirectory = (*Directory)(nil)

// New returns a directory publishing through outboxURL as actorID.
// generator names this software in published key packages.
func New(actorID, outboxURL, generator string, codec Codec, client *activitypub.Client) *Directory {
	if client == nil {
		client = activitypub.NewClient("")
	}
	return &Directory{
		actorID:   actorID,
		outboxURL: outboxURL,
		generator: generator,
		codec:     codec,
		client:    client,
	}
}

// ResolveKeyPackages implements interfaces.IDirectory. Every actor must
// resolve or the whole call fails.
func (d *Directory) ResolveKeyPackages(ctx context.Context, actorIDs []string) ([]protocol.KeyPackage, error) {
	out := make([]protocol.KeyPackage, 0, len(actorIDs))
	for _, id := range actorIDs {
		kp, err := d.resolve(ctx, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Directory.ResolveKeyPackages",
				"actor":    id,
				"error":    err.Error(),
			}).Warn("Failed to resolve key package")
			return nil, err
		}
		out = append(out, kp)
	}
	return out, nil
}

func (d *Directory) resolve(ctx context.Context, actorID string) (protocol.KeyPackage, error) {
	actor, err := d.client.Load(ctx, actorID)
	if err != nil {
		return protocol.KeyPackage{}, fmt.Errorf("load actor %s: %w", actorID, err)
	}
	collection := actor.KeyPackages()
	if collection == "" {
		return protocol.KeyPackage{}, fmt.Errorf("%w: %s has no keyPackages collection", ErrNoKeyPackage, actorID)
	}

	for item, err := range activitypub.Range(ctx, d.client, collection) {
		if err != nil {
			return protocol.KeyPackage{}, fmt.Errorf("read key packages of %s: %w", actorID, err)
		}
		kp, ok := d.parse(item)
		if !ok {
			continue
		}
		if kp.Identity != actorID {
			logrus.WithFields(logrus.Fields{
				"function": "Directory.resolve",
				"actor":    actorID,
				"identity": kp.Identity,
			}).Warn("Skipping key package bound to another identity")
			continue
		}
		return kp, nil
	}
	return protocol.KeyPackage{}, fmt.Errorf("%w: %s", ErrNoKeyPackage, actorID)
}

// parse decodes one collection item into a key package, skipping anything
// that is not one.
func (d *Directory) parse(item activitypub.Document) (protocol.KeyPackage, bool) {
	if item.Content() == "" {
		return protocol.KeyPackage{}, false
	}
	raw, err := activitypub.DecodeContent(item.Content())
	if err != nil {
		return protocol.KeyPackage{}, false
	}
	msg, err := d.codec.Decode(raw)
	if err != nil || msg.WireFormat != protocol.WireFormatKeyPackage {
		return protocol.KeyPackage{}, false
	}
	kp, err := d.codec.ParseKeyPackage(msg)
	if err != nil {
		return protocol.KeyPackage{}, false
	}
	return kp, true
}

// PublishKeyPackage implements interfaces.IDirectory.
func (d *Directory) PublishKeyPackage(ctx context.Context, kp protocol.KeyPackage) (string, error) {
	msg, err := d.codec.KeyPackageMessage(kp.PublicOnly())
	if err != nil {
		return "", fmt.Errorf("wrap key package: %w", err)
	}
	payload, err := d.codec.Encode(msg)
	if err != nil {
		return "", fmt.Errorf("encode key package: %w", err)
	}

	location, err := d.client.Post(ctx, d.outboxURL, activitypub.NewKeyPackageEnvelope(d.actorID, d.generator, payload))
	if err != nil {
		return "", fmt.Errorf("publish key package: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Directory.PublishKeyPackage",
		"actor":    d.actorID,
		"location": location,
	}).Info("Published key package")

	return location, nil
}
