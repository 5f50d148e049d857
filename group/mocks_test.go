package group

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/protocol/devmls"
	"github.com/opd-ai/apmls/store"
)

// sendCall records one delivery for assertion in tests.
type sendCall struct {
	kind       string
	recipients []string
	msg        protocol.Message
}

// mockDelivery records every send and can be told to fail.
type mockDelivery struct {
	mu         sync.Mutex
	calls      []sendCall
	shouldFail bool
	failKind   string
}

func (m *mockDelivery) record(kind string, recipients []string, msg protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{kind: kind, recipients: append([]string(nil), recipients...), msg: msg})
	if m.shouldFail || m.failKind == kind {
		return errors.New("mock delivery error")
	}
	return nil
}

func (m *mockDelivery) SendFramedMessage(ctx context.Context, recipients []string, msg protocol.Message) error {
	return m.record("framed", recipients, msg)
}

func (m *mockDelivery) SendPrivateMessage(ctx context.Context, recipients []string, msg protocol.Message) error {
	return m.record("private", recipients, msg)
}

func (m *mockDelivery) SendGroupInfo(ctx context.Context, recipients []string, msg protocol.Message) error {
	return m.record("groupinfo", recipients, msg)
}

func (m *mockDelivery) SendWelcome(ctx context.Context, recipients []string, msg protocol.Message) error {
	return m.record("welcome", recipients, msg)
}

func (m *mockDelivery) getCalls(kind string) []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sendCall
	for _, c := range m.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockDelivery) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// mockDirectory serves key packages from a map.
type mockDirectory struct {
	mu       sync.Mutex
	packages map[string]protocol.KeyPackage
	resolved [][]string
}

func (m *mockDirectory) ResolveKeyPackages(ctx context.Context, actorIDs []string) ([]protocol.KeyPackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, append([]string(nil), actorIDs...))
	out := make([]protocol.KeyPackage, 0, len(actorIDs))
	for _, id := range actorIDs {
		kp, ok := m.packages[id]
		if !ok {
			return nil, errors.New("no key package for " + id)
		}
		out = append(out, kp)
	}
	return out, nil
}

func (m *mockDirectory) PublishKeyPackage(ctx context.Context, kp protocol.KeyPackage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[kp.Identity] = kp.PublicOnly()
	return kp.Identity + "/keyPackages/1", nil
}

// spyEngine wraps the development engine, keeps every consumed slice it
// hands out and can inject failures.
type spyEngine struct {
	protocol.Engine

	mu       sync.Mutex
	consumed [][]byte

	failCommit  error
	failEncrypt error
	failProcess error

	delay  time.Duration
	active int32
	peak   int32
}

func newSpyEngine() *spyEngine {
	return &spyEngine{Engine: devmls.New()}
}

func (e *spyEngine) keep(consumed [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumed = append(e.consumed, consumed...)
}

func (e *spyEngine) enter() func() {
	n := atomic.AddInt32(&e.active, 1)
	for {
		peak := atomic.LoadInt32(&e.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&e.peak, peak, n) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return func() { atomic.AddInt32(&e.active, -1) }
}

func (e *spyEngine) CreateCommit(ctx context.Context, state protocol.State, adds []protocol.KeyPackage) (*protocol.CommitResult, error) {
	defer e.enter()()
	if e.failCommit != nil {
		return nil, e.failCommit
	}
	res, err := e.Engine.CreateCommit(ctx, state, adds)
	if err == nil {
		e.keep(res.Consumed)
	}
	return res, err
}

func (e *spyEngine) CreateApplicationMessage(ctx context.Context, state protocol.State, plaintext []byte) (*protocol.ApplicationResult, error) {
	defer e.enter()()
	if e.failEncrypt != nil {
		return nil, e.failEncrypt
	}
	res, err := e.Engine.CreateApplicationMessage(ctx, state, plaintext)
	if err == nil {
		e.keep(res.Consumed)
	}
	return res, err
}

func (e *spyEngine) ProcessMessage(ctx context.Context, state protocol.State, msg protocol.Message) (*protocol.ProcessResult, error) {
	defer e.enter()()
	if e.failProcess != nil {
		return nil, e.failProcess
	}
	res, err := e.Engine.ProcessMessage(ctx, state, msg)
	if err == nil {
		e.keep(res.Consumed)
	}
	return res, err
}

func (e *spyEngine) getConsumed() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.consumed...)
}

// failingStore fails writes on demand. failIngest and failLoadMessage
// count down, failing that many calls.
type failingStore struct {
	store.Store
	failSave        bool
	failIngest      int
	failLoadMessage int
}

func (s *failingStore) SaveGroup(ctx context.Context, g *model.Group) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.Store.SaveGroup(ctx, g)
}

func (s *failingStore) SaveIngested(ctx context.Context, g *model.Group, m *model.Message, digest string) error {
	if s.failSave || s.failIngest > 0 {
		s.failIngest--
		return errors.New("disk full")
	}
	return s.Store.SaveIngested(ctx, g, m, digest)
}

func (s *failingStore) LoadMessage(ctx context.Context, id string) (*model.Message, error) {
	if s.failLoadMessage > 0 {
		s.failLoadMessage--
		return nil, errors.New("i/o error")
	}
	return s.Store.LoadMessage(ctx, id)
}

// peer is one participant of a test conversation.
type peer struct {
	id       string
	store    store.Store
	delivery *mockDelivery
	session  *Session
}

// world holds every peer sharing one engine and one directory.
type world struct {
	t         *testing.T
	engine    *spyEngine
	directory *mockDirectory
	peers     map[string]*peer
}

func newWorld(t *testing.T) *world {
	return &world{
		t:         t,
		engine:    newSpyEngine(),
		directory: &mockDirectory{packages: make(map[string]protocol.KeyPackage)},
		peers:     make(map[string]*peer),
	}
}

// add creates a peer with its own store, key package and delivery mock.
func (w *world) add(id string) *peer {
	w.t.Helper()
	ctx := context.Background()
	kp, err := w.engine.GenerateKeyPackage(ctx, id)
	require.NoError(w.t, err)
	st := store.NewMemory()
	require.NoError(w.t, st.SaveKeyPackage(ctx, kp))
	_, err = w.directory.PublishKeyPackage(ctx, *kp)
	require.NoError(w.t, err)

	p := &peer{id: id, store: st, delivery: &mockDelivery{}}
	p.session, err = New(Config{
		Actor:     id,
		Store:     st,
		Engine:    w.engine,
		Delivery:  p.delivery,
		Directory: w.directory,
	})
	require.NoError(w.t, err)
	w.peers[id] = p
	return p
}

// flush hands every recorded send of from to the listed recipients'
// OnEnvelope, in send order, and clears the record.
func (w *world) flush(from *peer) {
	w.t.Helper()
	from.delivery.mu.Lock()
	calls := from.delivery.calls
	from.delivery.calls = nil
	from.delivery.mu.Unlock()

	for _, c := range calls {
		content := encode(w.t, w.engine, c.msg)
		for _, r := range c.recipients {
			if p, ok := w.peers[r]; ok {
				require.NoError(w.t, p.session.OnEnvelope(context.Background(), content))
			}
		}
	}
}

func encode(t *testing.T, codec protocol.Codec, msg protocol.Message) string {
	t.Helper()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
