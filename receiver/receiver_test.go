package receiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/internal/aptest"
)

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handle(ctx context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, content)
	return nil
}

func (c *collector) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func (c *collector) has(content string) bool {
	for _, s := range c.contents() {
		if s == content {
			return true
		}
	}
	return false
}

func newReceiver(srv *aptest.Server, name string) *Receiver {
	return New(Config{
		ActorID:        srv.ActorID(name),
		MessagesURL:    srv.MessagesURL(name),
		Client:         activitypub.NewClient(srv.Token),
		ReconnectDelay: 10 * time.Millisecond,
	})
}

func TestStartPollsWithoutEventStream(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		srv.Deliver("bob", c)
	}

	r := newReceiver(srv, "bob")
	c := &collector{}
	r.RegisterHandler(c.handle)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, c.contents())
}

func TestStartTwice(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)
	r := newReceiver(srv, "bob")

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartUnknownCollection(t *testing.T) {
	srv := aptest.New(t)
	r := newReceiver(srv, "nobody")

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, activitypub.ErrStatus)

	// a failed start leaves the receiver stopped
	srv.AddActor("nobody", false)
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}

func TestHandlerErrorsDoNotStopPoll(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)
	srv.Deliver("bob", "bad")
	srv.Deliver("bob", "good")

	r := newReceiver(srv, "bob")
	var got []string
	r.RegisterHandler(func(ctx context.Context, content string) error {
		got = append(got, content)
		if content == "bad" {
			return errors.New("rejected")
		}
		return nil
	})

	require.NoError(t, r.Poll(context.Background()))
	assert.Equal(t, []string{"bad", "good"}, got)
}

func TestRegisterHandlerLastWins(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)
	srv.Deliver("bob", "x")

	r := newReceiver(srv, "bob")
	first, second := &collector{}, &collector{}
	r.RegisterHandler(first.handle)
	r.RegisterHandler(second.handle)

	require.NoError(t, r.Poll(context.Background()))
	assert.Empty(t, first.contents())
	assert.Equal(t, []string{"x"}, second.contents())

	r.RegisterHandler(nil)
	assert.NoError(t, r.Poll(context.Background()))
}

func TestPollRevisitsCollection(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)
	srv.Deliver("bob", "x")

	r := newReceiver(srv, "bob")
	c := &collector{}
	r.RegisterHandler(c.handle)

	require.NoError(t, r.Poll(context.Background()))
	require.NoError(t, r.Poll(context.Background()))
	assert.Equal(t, []string{"x", "x"}, c.contents())
}

func TestEventStreamTriggersPoll(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", true)
	srv.Deliver("bob", "before")

	r := newReceiver(srv, "bob")
	c := &collector{}
	r.RegisterHandler(c.handle)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Eventually(t, func() bool { return c.has("before") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Subscribers("bob") == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Deliver("bob", "after")
	srv.Notify("bob")
	assert.Eventually(t, func() bool { return c.has("after") }, 2*time.Second, 10*time.Millisecond)
}

func TestStopClosesEventStream(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", true)

	r := newReceiver(srv, "bob")
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Subscribers("bob") == 1 }, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	assert.Eventually(t, func() bool { return srv.Subscribers("bob") == 0 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}

func TestPollInterval(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)

	r := New(Config{
		ActorID:      srv.ActorID("bob"),
		MessagesURL:  srv.MessagesURL("bob"),
		PollInterval: 20 * time.Millisecond,
	})
	c := &collector{}
	r.RegisterHandler(c.handle)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	srv.Deliver("bob", "late")
	assert.Eventually(t, func() bool { return c.has("late") }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamReconnectsAfterHangup(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", true)

	r := newReceiver(srv, "bob")
	c := &collector{}
	r.RegisterHandler(c.handle)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.Eventually(t, func() bool { return srv.Subscribers("bob") == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Hangup("bob")
	require.Eventually(t, func() bool {
		return srv.Streams("bob") >= 2 && srv.Subscribers("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.Deliver("bob", "after reconnect")
	assert.Eventually(t, func() bool { return c.has("after reconnect") }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamSendsCredentials(t *testing.T) {
	srv := aptest.New(t)
	srv.Token = "s3cret"
	srv.AddActor("bob", true)

	r := newReceiver(srv, "bob")
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	assert.Eventually(t, func() bool { return srv.Subscribers("bob") == 1 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
	require.Eventually(t, func() bool { return srv.Subscribers("bob") == 0 }, 2*time.Second, 10*time.Millisecond)

	wrong := New(Config{
		ActorID:        srv.ActorID("bob"),
		MessagesURL:    srv.MessagesURL("bob"),
		Client:         activitypub.NewClient("guess"),
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, wrong.Start(context.Background()))
	defer wrong.Stop()
	assert.Never(t, func() bool { return srv.Subscribers("bob") > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCoalescedPollWaitsForRerun(t *testing.T) {
	srv := aptest.New(t)
	srv.AddActor("bob", false)
	srv.Deliver("bob", "first")
	ctx := context.Background()

	r := newReceiver(srv, "bob")
	c := &collector{}
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	r.RegisterHandler(func(ctx context.Context, content string) error {
		once.Do(func() {
			close(entered)
			<-gate
		})
		return c.handle(ctx, content)
	})

	running := make(chan error, 1)
	go func() { running <- r.Poll(ctx) }()
	<-entered

	srv.Deliver("bob", "second")
	queued := make(chan error, 1)
	go func() { queued <- r.Poll(ctx) }()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Poll(short), context.DeadlineExceeded)

	select {
	case <-queued:
		t.Fatal("queued poll returned before its rerun")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-queued)
	assert.True(t, c.has("second"))
	require.NoError(t, <-running)
}
