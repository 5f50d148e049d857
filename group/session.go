package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/apmls/crypto"
	"github.com/opd-ai/apmls/interfaces"
	"github.com/opd-ai/apmls/limits"
	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

// DefaultPreviewLength is the number of runes kept as a group's last
// message preview.
const DefaultPreviewLength = 100

// Config wires a Session to its collaborators.
type Config struct {
	// Actor is the local user's actor id.
	Actor     string
	Store     store.Store
	Engine    protocol.Engine
	Delivery  interfaces.IDelivery
	Directory interfaces.IDirectory

	// KeyPackage is the local user's key package including its private
	// half. If nil it is loaded from Store on first use.
	KeyPackage *protocol.KeyPackage

	PreviewLength int
	Clock         func() time.Time
}

// Session is the group orchestrator for one local actor.
type Session struct {
	actor     string
	store     store.Store
	engine    protocol.Engine
	delivery  interfaces.IDelivery
	directory interfaces.IDirectory
	preview   int
	clock     func() time.Time
	locks     *keyedMutex

	keyPackage *protocol.KeyPackage
}

// New validates config and returns a session.
func New(config Config) (*Session, error) {
	switch {
	case config.Actor == "":
		return nil, errors.New("group: actor is required")
	case config.Store == nil:
		return nil, errors.New("group: store is required")
	case config.Engine == nil:
		return nil, errors.New("group: engine is required")
	case config.Delivery == nil:
		return nil, errors.New("group: delivery is required")
	case config.Directory == nil:
		return nil, errors.New("group: directory is required")
	}
	if config.PreviewLength <= 0 {
		config.PreviewLength = DefaultPreviewLength
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Session{
		actor:      config.Actor,
		store:      config.Store,
		engine:     config.Engine,
		delivery:   config.Delivery,
		directory:  config.Directory,
		preview:    config.PreviewLength,
		clock:      config.Clock,
		locks:      newKeyedMutex(),
		keyPackage: store.CloneKeyPackage(config.KeyPackage),
	}, nil
}

// Actor returns the local actor id.
func (s *Session) Actor() string {
	return s.actor
}

func (s *Session) now() time.Time {
	return s.clock().UTC()
}

func (s *Session) ownKeyPackage(ctx context.Context) (*protocol.KeyPackage, error) {
	if s.keyPackage != nil {
		return s.keyPackage, nil
	}
	kp, err := s.store.LoadKeyPackage(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoKeyMaterial
	}
	if err != nil {
		return nil, fmt.Errorf("load key package: %w", err)
	}
	if len(kp.Private) == 0 {
		return nil, fmt.Errorf("%w: private half missing", ErrNoKeyMaterial)
	}
	return kp, nil
}

// CreateGroup starts a new group that only contains the local user.
func (s *Session) CreateGroup(ctx context.Context) (*model.Group, error) {
	kp, err := s.ownKeyPackage(ctx)
	if err != nil {
		return nil, err
	}

	id := newID()
	state, err := s.engine.CreateGroup(ctx, []byte(id), kp)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.CreateGroup",
			"error":    err.Error(),
		}).Error("Protocol engine refused to create group")
		return nil, fmt.Errorf("create group: %w", err)
	}

	now := s.now()
	g := &model.Group{
		ID:         id,
		Name:       model.DefaultGroupName,
		Members:    []string{},
		State:      state,
		CreateDate: now,
		UpdateDate: now,
		ReadDate:   now,
	}
	if err := s.store.SaveGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.CreateGroup",
		"group_id": id,
	}).Info("Created group")
	return g, nil
}

// pendingAdd is a committed member addition waiting to be delivered.
type pendingAdd struct {
	commit   protocol.Message
	welcome  *protocol.Message
	existing []string
	added    []string
}

// AddMembers adds every actor in ids that is not already a member with a
// single commit. The welcome goes to the new members and the commit to the
// existing ones. Nothing changes locally unless every actor resolves to a
// key package.
func (s *Session) AddMembers(ctx context.Context, groupID string, ids []string) error {
	p, err := s.commitAdd(ctx, groupID, ids)
	if err != nil || p == nil {
		return err
	}

	var welcomeErr, commitErr error
	var eg errgroup.Group
	if p.welcome != nil {
		eg.Go(func() error {
			welcomeErr = s.delivery.SendWelcome(ctx, p.added, *p.welcome)
			return welcomeErr
		})
	}
	if len(p.existing) > 0 {
		eg.Go(func() error {
			commitErr = s.delivery.SendFramedMessage(ctx, p.existing, p.commit)
			return commitErr
		})
	}
	eg.Wait()

	if err := errors.Join(welcomeErr, commitErr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.AddMembers",
			"group_id": groupID,
			"error":    err.Error(),
		}).Error("Member addition committed locally but not delivered")
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

func (s *Session) commitAdd(ctx context.Context, groupID string, ids []string) (*pendingAdd, error) {
	unlock, err := s.locks.Lock(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g, err := s.store.LoadGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", groupID, err)
	}

	added := s.newMembers(g, ids)
	if len(added) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Session.AddMembers",
			"group_id": groupID,
		}).Debug("No new members to add")
		return nil, nil
	}

	kps, err := s.directory.ResolveKeyPackages(ctx, added)
	if err != nil {
		return nil, fmt.Errorf("resolve key packages: %w", err)
	}

	result, err := s.engine.CreateCommit(ctx, g.State, kps)
	if err != nil {
		return nil, fmt.Errorf("create commit: %w", err)
	}
	crypto.WipeAll(result.Consumed)

	existing := append([]string(nil), g.Members...)
	next := g.Clone()
	next.SetState(result.NewState, s.now())
	next.Members = append(append([]string(nil), existing...), added...)
	if err := s.store.SaveGroup(ctx, next); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.AddMembers",
		"group_id": groupID,
		"added":    len(added),
		"existing": len(existing),
	}).Info("Committed new members")

	return &pendingAdd{
		commit:   result.Commit,
		welcome:  result.Welcome,
		existing: existing,
		added:    added,
	}, nil
}

// newMembers drops blanks, duplicates, the local actor and current members.
func (s *Session) newMembers(g *model.Group, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || id == s.actor || seen[id] || g.HasMember(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// GetGroupMembers lists the identities in the engine's view of g. Leaves
// whose identity is empty or not valid UTF-8 are skipped. g is not changed.
func (s *Session) GetGroupMembers(ctx context.Context, g *model.Group) ([]string, error) {
	leaves, err := s.engine.Members(g.State)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if len(leaf.Identity) == 0 || !utf8.Valid(leaf.Identity) {
			continue
		}
		members = append(members, string(leaf.Identity))
	}
	return members, nil
}

// SendMessage encrypts plaintext as a Note for the group and delivers it
// to every member but the local user. The group and the local copy of the
// message are saved before delivery; the message is returned even when
// delivery fails.
func (s *Session) SendMessage(ctx context.Context, groupID, plaintext string) (*model.Message, error) {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, err
	}

	msg, wire, recipients, err := s.encryptMessage(ctx, groupID, plaintext)
	if err != nil {
		return nil, err
	}

	if err := s.delivery.SendFramedMessage(ctx, recipients, wire); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Session.SendMessage",
			"group_id":   groupID,
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Message saved locally but not delivered")
		return msg, fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return msg, nil
}

func (s *Session) encryptMessage(ctx context.Context, groupID, plaintext string) (*model.Message, protocol.Message, []string, error) {
	unlock, err := s.locks.Lock(ctx, groupID)
	if err != nil {
		return nil, protocol.Message{}, nil, err
	}
	defer unlock()

	g, err := s.store.LoadGroup(ctx, groupID)
	if err != nil {
		return nil, protocol.Message{}, nil, fmt.Errorf("load group %s: %w", groupID, err)
	}

	now := s.now()
	note := newNote(s.actor, plaintext, now)
	payload, err := json.Marshal(note)
	if err != nil {
		return nil, protocol.Message{}, nil, fmt.Errorf("encode note: %w", err)
	}

	result, err := s.engine.CreateApplicationMessage(ctx, g.State, payload)
	crypto.ZeroBytes(payload)
	if err != nil {
		return nil, protocol.Message{}, nil, fmt.Errorf("encrypt message: %w", err)
	}
	crypto.WipeAll(result.Consumed)

	next := g.Clone()
	next.SetState(result.NewState, now)
	next.LastMessage = model.Preview(plaintext, s.preview)
	if err := s.store.SaveGroup(ctx, next); err != nil {
		return nil, protocol.Message{}, nil, fmt.Errorf("save group: %w", err)
	}

	msg := &model.Message{
		ID:         note.ID,
		Group:      groupID,
		Sender:     s.actor,
		Plaintext:  plaintext,
		CreateDate: now,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, protocol.Message{}, nil, fmt.Errorf("save message: %w", err)
	}

	recipients := make([]string, 0, len(next.Members))
	for _, m := range next.Members {
		if m != s.actor {
			recipients = append(recipients, m)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Session.SendMessage",
		"group_id":   groupID,
		"message_id": msg.ID,
		"recipients": len(recipients),
	}).Debug("Encrypted message")

	return msg, result.Message, recipients, nil
}

// Groups returns every group, most recently updated first.
func (s *Session) Groups(ctx context.Context) ([]*model.Group, error) {
	return s.store.AllGroups(ctx)
}

// Group returns one group.
func (s *Session) Group(ctx context.Context, id string) (*model.Group, error) {
	return s.store.LoadGroup(ctx, id)
}

// Messages returns the messages of a group, oldest first.
func (s *Session) Messages(ctx context.Context, groupID string) ([]*model.Message, error) {
	if _, err := s.store.LoadGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.store.AllMessages(ctx, groupID)
}

// DeleteGroup removes a group and its messages locally. Other members are
// not told.
func (s *Session) DeleteGroup(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.store.LoadGroup(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteGroup(ctx, id)
}

// MarkRead records that the group has been read up to now.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	return s.update(ctx, id, func(g *model.Group) {
		g.ReadDate = s.now()
	})
}

// RenameGroup changes the local display name of a group.
func (s *Session) RenameGroup(ctx context.Context, id, name string) error {
	return s.update(ctx, id, func(g *model.Group) {
		g.Name = name
	})
}

func (s *Session) update(ctx context.Context, id string, fn func(*model.Group)) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	g, err := s.store.LoadGroup(ctx, id)
	if err != nil {
		return err
	}
	fn(g)
	return s.store.SaveGroup(ctx, g)
}
