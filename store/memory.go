package store

import (
	"context"
	"errors"
	"sync"

	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
)

// Memory is a Store that keeps everything in process memory.
type Memory struct {
	mutex     sync.RWMutex
	groups    map[string]*model.Group
	messages  map[string]*model.Message
	byGroup   map[string][]string
	keyPkg    *protocol.KeyPackage
	envelopes map[string]struct{}
	observers Observers
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		groups:    make(map[string]*model.Group),
		messages:  make(map[string]*model.Message),
		byGroup:   make(map[string][]string),
		envelopes: make(map[string]struct{}),
	}
}

// LoadGroup implements Store.
func (m *Memory) LoadGroup(ctx context.Context, id string) (*model.Group, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

// SaveGroup implements Store.
func (m *Memory) SaveGroup(ctx context.Context, g *model.Group) error {
	if g == nil || g.ID == "" {
		return errors.New("group id is required")
	}
	m.mutex.Lock()
	m.putGroup(g)
	m.mutex.Unlock()
	m.observers.Notify()
	return nil
}

func (m *Memory) putGroup(g *model.Group) {
	m.groups[g.ID] = g.Clone()
}

// DeleteGroup implements Store.
func (m *Memory) DeleteGroup(ctx context.Context, id string) error {
	m.mutex.Lock()
	if _, ok := m.groups[id]; !ok {
		m.mutex.Unlock()
		return ErrNotFound
	}
	delete(m.groups, id)
	for _, mid := range m.byGroup[id] {
		delete(m.messages, mid)
	}
	delete(m.byGroup, id)
	m.mutex.Unlock()
	m.observers.Notify()
	return nil
}

// AllGroups implements Store.
func (m *Memory) AllGroups(ctx context.Context) ([]*model.Group, error) {
	m.mutex.RLock()
	out := make([]*model.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.Clone())
	}
	m.mutex.RUnlock()
	SortGroups(out)
	return out, nil
}

// LoadMessage implements Store.
func (m *Memory) LoadMessage(ctx context.Context, id string) (*model.Message, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// SaveMessage implements Store.
func (m *Memory) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message id is required")
	}
	m.mutex.Lock()
	m.putMessage(msg)
	m.mutex.Unlock()
	m.observers.Notify()
	return nil
}

func (m *Memory) putMessage(msg *model.Message) {
	if old, ok := m.messages[msg.ID]; !ok || old.Group != msg.Group {
		if ok {
			m.unindex(old.Group, msg.ID)
		}
		m.byGroup[msg.Group] = append(m.byGroup[msg.Group], msg.ID)
	}
	m.messages[msg.ID] = msg.Clone()
}

func (m *Memory) unindex(groupID, messageID string) {
	ids := m.byGroup[groupID]
	for i, id := range ids {
		if id == messageID {
			m.byGroup[groupID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// AllMessages implements Store.
func (m *Memory) AllMessages(ctx context.Context, groupID string) ([]*model.Message, error) {
	m.mutex.RLock()
	ids := m.byGroup[groupID]
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id].Clone())
	}
	m.mutex.RUnlock()
	SortMessages(out)
	return out, nil
}

// LoadKeyPackage implements Store.
func (m *Memory) LoadKeyPackage(ctx context.Context) (*protocol.KeyPackage, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.keyPkg == nil {
		return nil, ErrNotFound
	}
	return CloneKeyPackage(m.keyPkg), nil
}

// SaveKeyPackage implements Store.
func (m *Memory) SaveKeyPackage(ctx context.Context, kp *protocol.KeyPackage) error {
	if kp == nil {
		return errors.New("key package is required")
	}
	m.mutex.Lock()
	m.keyPkg = CloneKeyPackage(kp)
	m.mutex.Unlock()
	m.observers.Notify()
	return nil
}

// HasEnvelope implements Store.
func (m *Memory) HasEnvelope(ctx context.Context, digest string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.envelopes[digest]
	return ok, nil
}

// SaveEnvelope implements Store.
func (m *Memory) SaveEnvelope(ctx context.Context, digest string) error {
	m.mutex.Lock()
	m.envelopes[digest] = struct{}{}
	m.mutex.Unlock()
	return nil
}

// SaveIngested implements Store.
func (m *Memory) SaveIngested(ctx context.Context, g *model.Group, msg *model.Message, digest string) error {
	if g == nil || g.ID == "" {
		return errors.New("group id is required")
	}
	if msg != nil && msg.ID == "" {
		return errors.New("message id is required")
	}
	m.mutex.Lock()
	m.putGroup(g)
	if msg != nil {
		m.putMessage(msg)
	}
	m.envelopes[digest] = struct{}{}
	m.mutex.Unlock()
	m.observers.Notify()
	return nil
}

// OnChange implements Store.
func (m *Memory) OnChange(fn func()) func() {
	return m.observers.Add(fn)
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
