package group

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/apmls/limits"
	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

// invite creates a group owned by owner, adds others and delivers the
// welcome and commit.
func invite(t *testing.T, w *world, owner *peer, others ...string) *model.Group {
	t.Helper()
	ctx := context.Background()
	g, err := owner.session.CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, owner.session.AddMembers(ctx, g.ID, others))
	w.flush(owner)
	return g
}

// snapshot captures everything ingestion may change in a store.
func snapshot(t *testing.T, st store.Store) ([]*model.Group, map[string][]*model.Message) {
	t.Helper()
	ctx := context.Background()
	groups, err := st.AllGroups(ctx)
	require.NoError(t, err)
	msgs := make(map[string][]*model.Message)
	for _, g := range groups {
		msgs[g.ID], err = st.AllMessages(ctx, g.ID)
		require.NoError(t, err)
	}
	return groups, msgs
}

func TestWelcomeJoinsGroup(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	g := invite(t, w, alice, "bob")

	joined, err := bob.session.Group(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReceivedGroupName, joined.Name)
	assert.Equal(t, []string{"alice", "bob"}, joined.Members)
	assert.Empty(t, joined.LastMessage)
}

func TestWelcomeForSomeoneElse(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	w.add("carol")
	ctx := context.Background()

	g, err := alice.session.CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.session.AddMembers(ctx, g.ID, []string{"carol"}))
	welcome := alice.delivery.getCalls("welcome")[0].msg
	content := encode(t, w.engine, welcome)

	err = bob.session.OnEnvelope(ctx, content)
	assert.ErrorIs(t, err, protocol.ErrNotForUs)
	_, err = bob.session.Group(ctx, g.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// remembered, so later polls stay quiet
	assert.NoError(t, bob.session.OnEnvelope(ctx, content))
}

func TestReceiveApplicationMessage(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	sent, err := alice.session.SendMessage(ctx, g.ID, "hello bob")
	require.NoError(t, err)
	w.flush(alice)

	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "hello bob", msgs[0].Plaintext)

	joined, err := bob.session.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", joined.LastMessage)
}

func TestIngestionIsIdempotent(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	_, err := alice.session.SendMessage(ctx, g.ID, "once")
	require.NoError(t, err)
	content := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)

	for i := 0; i < 3; i++ {
		require.NoError(t, bob.session.OnEnvelope(ctx, content))
	}
	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDuplicateNoteIDIsNotStoredTwice(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	sent, err := alice.session.SendMessage(ctx, g.ID, "second copy")
	require.NoError(t, err)
	require.NoError(t, bob.store.SaveMessage(ctx, &model.Message{
		ID:         sent.ID,
		Group:      g.ID,
		Sender:     "alice",
		Plaintext:  "first copy",
		CreateDate: time.Now().UTC(),
	}))
	before, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	w.flush(alice)

	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first copy", msgs[0].Plaintext)

	after, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.State, after.State)
}

func TestMalformedEnvelopeDoesNotStopBatch(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	_, err := alice.session.SendMessage(ctx, g.ID, "after the junk")
	require.NoError(t, err)
	valid := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)

	groups, msgs := snapshot(t, bob.store)

	err = bob.session.OnEnvelope(ctx, "%%% not base64 %%%")
	require.ErrorIs(t, err, ErrDecode)
	err = bob.session.OnEnvelope(ctx, base64.StdEncoding.EncodeToString([]byte("not a protocol message")))
	require.ErrorIs(t, err, ErrDecode)
	err = bob.session.OnEnvelope(ctx, strings.Repeat("A", limits.MaxEnvelopeContent+4))
	require.ErrorIs(t, err, limits.ErrMessageTooLarge)
	err = bob.session.OnEnvelope(ctx, "")
	require.ErrorIs(t, err, ErrDecode)

	groupsAfter, msgsAfter := snapshot(t, bob.store)
	assert.Equal(t, groups, groupsAfter)
	assert.Equal(t, msgs, msgsAfter)

	require.NoError(t, bob.session.OnEnvelope(ctx, valid))
	received, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "after the junk", received[0].Plaintext)
}

func TestInformationalMessagesChangeNothing(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	stored, err := alice.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	info, err := w.engine.GroupInfo(stored.State)
	require.NoError(t, err)
	kp, err := w.engine.KeyPackageMessage(w.directory.packages["alice"])
	require.NoError(t, err)

	groups, msgs := snapshot(t, bob.store)
	require.NoError(t, bob.session.OnEnvelope(ctx, encode(t, w.engine, info)))
	require.NoError(t, bob.session.OnEnvelope(ctx, encode(t, w.engine, kp)))

	groupsAfter, msgsAfter := snapshot(t, bob.store)
	assert.Equal(t, groups, groupsAfter)
	assert.Equal(t, msgs, msgsAfter)
}

type unknownKindEngine struct {
	protocol.Engine
}

func (unknownKindEngine) Decode(data []byte) (protocol.Message, error) {
	return protocol.Message{WireFormat: protocol.WireFormat(42), Body: data}, nil
}

func TestUnknownKindIsDropped(t *testing.T) {
	w := newWorld(t)
	bob := w.add("bob")
	bob.session.engine = unknownKindEngine{Engine: w.engine}

	err := bob.session.OnEnvelope(context.Background(), base64.StdEncoding.EncodeToString([]byte("x")))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPrivateMessageForUnknownGroup(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()

	g, err := alice.session.CreateGroup(ctx)
	require.NoError(t, err)
	_, err = alice.session.SendMessage(ctx, g.ID, "nobody hears this")
	require.NoError(t, err)
	content := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)

	err = bob.session.OnEnvelope(ctx, content)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommitUpdatesMembership(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	carol := w.add("carol")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	before, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	require.NoError(t, alice.session.AddMembers(ctx, g.ID, []string{"carol"}))
	w.flush(alice)

	after, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, after.Members)
	assert.NotEqual(t, before.State, after.State)
	assert.Empty(t, after.LastMessage)

	joined, err := carol.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, joined.Members)

	// all three share the new epoch
	_, err = carol.session.SendMessage(ctx, g.ID, "hi both")
	require.NoError(t, err)
	w.flush(carol)
	for _, p := range []*peer{alice, bob} {
		msgs, err := p.session.Messages(ctx, g.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1, p.id)
		assert.Equal(t, "carol", msgs[0].Sender)
	}
}

func TestUnparseableNoteStillAdvancesState(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	owner, err := alice.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	res, err := w.engine.Engine.CreateApplicationMessage(ctx, owner.State, []byte("plain text, not a note"))
	require.NoError(t, err)
	content := encode(t, w.engine, res.Message)

	before, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	err = bob.session.OnEnvelope(ctx, content)
	require.ErrorIs(t, err, ErrDecode)

	after, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.State, after.State)
	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.NoError(t, bob.session.OnEnvelope(ctx, content))
}

func TestProcessFailureIsRetriedLater(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	_, err := alice.session.SendMessage(ctx, g.ID, "eventually")
	require.NoError(t, err)
	content := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)
	before, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	w.engine.failProcess = errors.New("transient")
	require.Error(t, bob.session.OnEnvelope(ctx, content))
	after, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)

	w.engine.failProcess = nil
	require.NoError(t, bob.session.OnEnvelope(ctx, content))
	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFailedWriteLeavesMessageForNextPoll(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	_, err := alice.session.SendMessage(ctx, g.ID, "kept")
	require.NoError(t, err)
	content := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)
	before, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	bob.session.store = &failingStore{Store: bob.store, failIngest: 1}
	require.Error(t, bob.session.OnEnvelope(ctx, content))

	after, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bob.session.OnEnvelope(ctx, content))
	msgs, err = bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Plaintext)
}

func TestMessageLookupFailureKeepsOldState(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	_, err := alice.session.SendMessage(ctx, g.ID, "again")
	require.NoError(t, err)
	content := encode(t, w.engine, alice.delivery.getCalls("framed")[0].msg)
	before, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	bob.session.store = &failingStore{Store: bob.store, failLoadMessage: 1}
	err = bob.session.OnEnvelope(ctx, content)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecode)

	after, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)

	require.NoError(t, bob.session.OnEnvelope(ctx, content))
	msgs, err := bob.session.Messages(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSecondWelcomeReplacesStateKeepsName(t *testing.T) {
	w := newWorld(t)
	alice := w.add("alice")
	bob := w.add("bob")
	ctx := context.Background()
	g := invite(t, w, alice, "bob")

	require.NoError(t, bob.session.RenameGroup(ctx, g.ID, "Renamed"))
	first, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)

	// alice rebuilds the group under the same id and invites bob again
	rebuilt, err := w.engine.CreateGroup(ctx, []byte(g.ID), mustKeyPackage(t, alice))
	require.NoError(t, err)
	res, err := w.engine.Engine.CreateCommit(ctx, rebuilt, []protocol.KeyPackage{w.directory.packages["bob"]})
	require.NoError(t, err)

	require.NoError(t, bob.session.OnEnvelope(ctx, encode(t, w.engine, *res.Welcome)))
	second, err := bob.store.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", second.Name)
	assert.Equal(t, first.CreateDate, second.CreateDate)
	assert.NotEqual(t, first.State, second.State)
}

func mustKeyPackage(t *testing.T, p *peer) *protocol.KeyPackage {
	t.Helper()
	kp, err := p.store.LoadKeyPackage(context.Background())
	require.NoError(t, err)
	return kp
}
