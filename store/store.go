// Package store persists groups, messages, the local key package and the
// digests of ingested envelopes.
//
// Three backends implement Store: Memory in this package, boltstore on bbolt
// and sqlstore on gorm with sqlite. All of them return ErrNotFound for
// missing records and copy records on the way in and out, so callers can
// never mutate stored state through a shared slice.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence capability used by the group session.
type Store interface {
	LoadGroup(ctx context.Context, id string) (*model.Group, error)
	// SaveGroup inserts or replaces g and notifies observers.
	SaveGroup(ctx context.Context, g *model.Group) error
	// DeleteGroup removes the group and all of its messages.
	DeleteGroup(ctx context.Context, id string) error
	// AllGroups returns every group, most recently updated first.
	AllGroups(ctx context.Context) ([]*model.Group, error)

	LoadMessage(ctx context.Context, id string) (*model.Message, error)
	SaveMessage(ctx context.Context, m *model.Message) error
	// AllMessages returns the messages of a group, oldest first.
	AllMessages(ctx context.Context, groupID string) ([]*model.Message, error)

	// LoadKeyPackage returns the local user's own key package.
	LoadKeyPackage(ctx context.Context) (*protocol.KeyPackage, error)
	SaveKeyPackage(ctx context.Context, kp *protocol.KeyPackage) error

	// HasEnvelope reports whether an envelope digest was already ingested.
	HasEnvelope(ctx context.Context, digest string) (bool, error)
	SaveEnvelope(ctx context.Context, digest string) error

	// SaveIngested records the outcome of one inbound envelope atomically:
	// g is saved, m is saved when not nil and digest is marked as ingested.
	// Either all of it is written or none of it is.
	SaveIngested(ctx context.Context, g *model.Group, m *model.Message, digest string) error

	// OnChange registers fn to run after every mutation. The returned
	// function removes the registration.
	OnChange(fn func()) (cancel func())

	Close() error
}

// Observers is a set of change callbacks shared by the store backends.
type Observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

// Add registers fn and returns its removal function.
func (o *Observers) Add(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func())
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

// Notify calls every registered observer outside the lock.
func (o *Observers) Notify() {
	o.mu.Lock()
	fns := make([]func(), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SortGroups orders groups by UpdateDate, newest first.
func SortGroups(groups []*model.Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].UpdateDate.After(groups[j].UpdateDate)
	})
}

// SortMessages orders messages by CreateDate, oldest first.
func SortMessages(messages []*model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreateDate.Before(messages[j].CreateDate)
	})
}

// CloneKeyPackage deep copies kp.
func CloneKeyPackage(kp *protocol.KeyPackage) *protocol.KeyPackage {
	if kp == nil {
		return nil
	}
	return &protocol.KeyPackage{
		Identity: kp.Identity,
		Public:   append([]byte(nil), kp.Public...),
		Private:  append([]byte(nil), kp.Private...),
	}
}
