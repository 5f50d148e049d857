package group

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// race runs fns at the same time and returns their errors in order.
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			errs[i] = fn()
		}(i, fn)
	}
	wg.Wait()
	return errs
}

func plaintextsIn(t *testing.T, p *peer, groupID string) []string {
	t.Helper()
	msgs, err := p.session.Messages(context.Background(), groupID)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Plaintext)
	}
	return out
}

func TestInboundCommitDuringLocalSend(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	carol := w.add("carol")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	require.NoError(t, alice.session.AddMembers(ctx, g.ID, []string{"carol"}))
	commit := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)
	welcome := encode(t, w.engine, alice.delivery.getCalls("welcome")[0].msg)
	alice.delivery.reset()
	require.NoError(t, carol.session.OnEnvelope(ctx, welcome))

	w.engine.delay = 20 * time.Millisecond
	atomic.StoreInt32(&w.engine.peak, 0)
	errs := race(
		func() error { return bob.session.OnEnvelope(ctx, commit) },
		func() error {
			_, err := bob.session.SendMessage(ctx, g.ID, "racing")
			return err
		},
	)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&w.engine.peak))

	joined, err := bob.session.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, joined.Members)
	assert.Contains(t, plaintextsIn(t, bob, g.ID), "racing")

	// bob kept the commit, so the next epoch opens
	w.engine.delay = 0
	_, err = alice.session.SendMessage(ctx, g.ID, "after")
	require.NoError(t, err)
	w.flush(alice)
	assert.Contains(t, plaintextsIn(t, bob, g.ID), "after")
	assert.Equal(t, []string{"after"}, plaintextsIn(t, carol, g.ID))
}

func TestInboundMessageDuringLocalSend(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	_, err := alice.session.SendMessage(ctx, g.ID, "from alice")
	require.NoError(t, err)
	inbound := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)
	alice.delivery.reset()

	w.engine.delay = 20 * time.Millisecond
	atomic.StoreInt32(&w.engine.peak, 0)
	errs := race(
		func() error { return bob.session.OnEnvelope(ctx, inbound) },
		func() error {
			_, err := bob.session.SendMessage(ctx, g.ID, "from bob")
			return err
		},
	)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&w.engine.peak))
	assert.ElementsMatch(t, []string{"from alice", "from bob"}, plaintextsIn(t, bob, g.ID))

	// bob's own ratchet step survived, so a second message is not a replay
	w.engine.delay = 0
	_, err = bob.session.SendMessage(ctx, g.ID, "again")
	require.NoError(t, err)
	w.flush(bob)
	assert.ElementsMatch(t, []string{"from alice", "from bob", "again"}, plaintextsIn(t, alice, g.ID))
}
