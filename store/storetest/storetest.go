// Package storetest runs the same behavioural checks against every
// store.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("GroupRoundTrip", func(t *testing.T) { testGroupRoundTrip(t, open(t)) })
	t.Run("GroupNotFound", func(t *testing.T) { testGroupNotFound(t, open(t)) })
	t.Run("GroupsNewestFirst", func(t *testing.T) { testGroupsNewestFirst(t, open(t)) })
	t.Run("MessagesOldestFirst", func(t *testing.T) { testMessagesOldestFirst(t, open(t)) })
	t.Run("DeleteGroupPurgesMessages", func(t *testing.T) { testDeleteGroup(t, open(t)) })
	t.Run("KeyPackage", func(t *testing.T) { testKeyPackage(t, open(t)) })
	t.Run("Envelopes", func(t *testing.T) { testEnvelopes(t, open(t)) })
	t.Run("SaveIngested", func(t *testing.T) { testSaveIngested(t, open(t)) })
	t.Run("SaveIngestedIsAllOrNothing", func(t *testing.T) { testSaveIngestedAllOrNothing(t, open(t)) })
	t.Run("OnChange", func(t *testing.T) { testOnChange(t, open(t)) })
	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) { testCopies(t, open(t)) })
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newGroup(id string, updated time.Time) *model.Group {
	return &model.Group{
		ID:         id,
		Name:       model.DefaultGroupName,
		Members:    []string{"https://b.example/bob"},
		State:      protocol.State{0xde, 0xad, 0xbe, 0xef},
		CreateDate: base,
		UpdateDate: updated,
		ReadDate:   base,
	}
}

func testGroupRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := newGroup("uri:uuid:1", base.Add(time.Minute))
	g.LastMessage = "hi"
	require.NoError(t, s.SaveGroup(ctx, g))

	got, err := s.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, g.Name, got.Name)
	assert.Equal(t, g.Members, got.Members)
	assert.Equal(t, g.State, got.State)
	assert.Equal(t, "hi", got.LastMessage)
	assert.True(t, g.CreateDate.Equal(got.CreateDate))
	assert.True(t, g.UpdateDate.Equal(got.UpdateDate))
	assert.True(t, g.ReadDate.Equal(got.ReadDate))

	g.State = protocol.State{1}
	g.Members = append(g.Members, "https://c.example/carol")
	require.NoError(t, s.SaveGroup(ctx, g))
	got, err = s.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.State{1}, got.State)
	assert.Len(t, got.Members, 2)
}

func testGroupNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.LoadGroup(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LoadMessage(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteGroup(ctx, "missing"), store.ErrNotFound)
}

func testGroupsNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveGroup(ctx, newGroup("old", base.Add(time.Minute))))
	require.NoError(t, s.SaveGroup(ctx, newGroup("new", base.Add(time.Hour))))
	require.NoError(t, s.SaveGroup(ctx, newGroup("mid", base.Add(10*time.Minute))))

	groups, err := s.AllGroups(ctx)
	require.NoError(t, err)
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func testMessagesOldestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveGroup(ctx, newGroup("g", base)))
	require.NoError(t, s.SaveGroup(ctx, newGroup("other", base)))

	for _, n := range []int{3, 1, 2} {
		id := fmt.Sprintf("m%d", n)
		require.NoError(t, s.SaveMessage(ctx, &model.Message{
			ID:         id,
			Group:      "g",
			Sender:     "bob",
			Plaintext:  id,
			CreateDate: base.Add(time.Duration(n) * time.Second),
		}))
	}
	require.NoError(t, s.SaveMessage(ctx, &model.Message{ID: "x", Group: "other", CreateDate: base}))

	msgs, err := s.AllMessages(ctx, "g")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)

	got, err := s.LoadMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Sender)
	assert.Equal(t, "m2", got.Plaintext)
}

func testDeleteGroup(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveGroup(ctx, newGroup("g", base)))
	require.NoError(t, s.SaveMessage(ctx, &model.Message{ID: "m", Group: "g", CreateDate: base}))

	require.NoError(t, s.DeleteGroup(ctx, "g"))

	_, err := s.LoadGroup(ctx, "g")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LoadMessage(ctx, "m")
	assert.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := s.AllMessages(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testKeyPackage(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.LoadKeyPackage(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	kp := &protocol.KeyPackage{Identity: "alice", Public: []byte{1, 2}, Private: []byte{3, 4}}
	require.NoError(t, s.SaveKeyPackage(ctx, kp))

	got, err := s.LoadKeyPackage(ctx)
	require.NoError(t, err)
	assert.Equal(t, kp, got)
}

func testEnvelopes(t *testing.T, s store.Store) {
	ctx := context.Background()
	seen, err := s.HasEnvelope(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.SaveEnvelope(ctx, "abc"))
	require.NoError(t, s.SaveEnvelope(ctx, "abc"))

	seen, err = s.HasEnvelope(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, seen)
}

func testSaveIngested(t *testing.T, s store.Store) {
	ctx := context.Background()
	var calls atomic.Int32
	defer s.OnChange(func() { calls.Add(1) })()

	g := newGroup("g", base)
	g.LastMessage = "hello"
	msg := &model.Message{ID: "m", Group: "g", Sender: "https://b.example/bob", Plaintext: "hello", CreateDate: base}
	require.NoError(t, s.SaveIngested(ctx, g, msg, "d1"))
	assert.Equal(t, int32(1), calls.Load())

	got, err := s.LoadGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessage)
	msgs, err := s.AllMessages(ctx, "g")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Plaintext)
	seen, err := s.HasEnvelope(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, seen)

	// a commit carries no message
	g.State = protocol.State{1, 2, 3}
	require.NoError(t, s.SaveIngested(ctx, g, nil, "d2"))
	got, err = s.LoadGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, protocol.State{1, 2, 3}, got.State)
	seen, err = s.HasEnvelope(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, seen)
	msgs, err = s.AllMessages(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func testSaveIngestedAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := newGroup("g", base)

	err := s.SaveIngested(ctx, g, &model.Message{Group: "g", CreateDate: base}, "d1")
	require.Error(t, err)

	_, err = s.LoadGroup(ctx, "g")
	assert.ErrorIs(t, err, store.ErrNotFound)
	seen, err := s.HasEnvelope(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, seen)

	assert.Error(t, s.SaveIngested(ctx, nil, nil, "d1"))
}

func testOnChange(t *testing.T, s store.Store) {
	ctx := context.Background()
	var calls atomic.Int32
	cancel := s.OnChange(func() { calls.Add(1) })

	require.NoError(t, s.SaveGroup(ctx, newGroup("g", base)))
	require.NoError(t, s.SaveMessage(ctx, &model.Message{ID: "m", Group: "g", CreateDate: base}))
	assert.Equal(t, int32(2), calls.Load())

	cancel()
	require.NoError(t, s.SaveGroup(ctx, newGroup("g", base)))
	assert.Equal(t, int32(2), calls.Load())
}

func testCopies(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := newGroup("g", base)
	require.NoError(t, s.SaveGroup(ctx, g))
	g.State[0] = 0

	got, err := s.LoadGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, byte(0xde), got.State[0])

	got.Members[0] = "mallory"
	again, err := s.LoadGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example/bob", again.Members[0])
}
