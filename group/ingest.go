package group

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/crypto"
	"github.com/opd-ai/apmls/limits"
	"github.com/opd-ai/apmls/metrics"
	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

const kindUnknown = "unknown"

// OnEnvelope ingests the base64 content of one inbound envelope. It is
// safe to call with the same content any number of times. Returned errors
// describe why the envelope was dropped; they never leave a group half
// updated.
func (s *Session) OnEnvelope(ctx context.Context, content string) error {
	if err := limits.ValidateEnvelopeContent(content); err != nil {
		s.drop(kindUnknown, err)
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	raw, err := activitypub.DecodeContent(content)
	if err != nil {
		s.drop(kindUnknown, err)
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	digest := envelopeDigest(raw)
	seen, err := s.store.HasEnvelope(ctx, digest)
	if err != nil {
		metrics.Envelope(kindUnknown, metrics.ResultError)
		return fmt.Errorf("check envelope: %w", err)
	}
	if seen {
		metrics.Envelope(kindUnknown, metrics.ResultDuplicate)
		logrus.WithFields(logrus.Fields{
			"function": "Session.OnEnvelope",
			"digest":   digest,
		}).Debug("Skipping envelope that was already ingested")
		return nil
	}

	msg, err := s.engine.Decode(raw)
	if err != nil {
		s.drop(kindUnknown, err)
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	kind := msg.WireFormat.String()
	switch msg.WireFormat {
	case protocol.WireFormatKeyPackage, protocol.WireFormatGroupInfo, protocol.WireFormatPublicMessage:
		metrics.Envelope(kind, metrics.ResultSkipped)
		logrus.WithFields(logrus.Fields{
			"function": "Session.OnEnvelope",
			"kind":     kind,
		}).Info("Received informational message, nothing to do")
		return nil

	case protocol.WireFormatWelcome:
		err = s.onWelcome(ctx, msg, digest)

	case protocol.WireFormatPrivateMessage:
		err = s.onPrivateMessage(ctx, msg, digest)

	default:
		err = fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	switch {
	case errors.Is(err, errDuplicate):
		metrics.Envelope(kind, metrics.ResultDuplicate)
		return nil
	case err != nil:
		s.drop(kind, err)
		return err
	}
	metrics.Envelope(kind, metrics.ResultOK)
	return nil
}

var errDuplicate = errors.New("envelope already ingested")

func (s *Session) drop(kind string, err error) {
	metrics.Envelope(kind, metrics.ResultDropped)
	logrus.WithFields(logrus.Fields{
		"function": "Session.OnEnvelope",
		"kind":     kind,
		"error":    err.Error(),
	}).Warn("Dropping envelope")
}

func envelopeDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// seen rechecks the digest once the group lock is held.
func (s *Session) seen(ctx context.Context, digest string) error {
	ok, err := s.store.HasEnvelope(ctx, digest)
	if err != nil {
		return fmt.Errorf("check envelope: %w", err)
	}
	if ok {
		return errDuplicate
	}
	return nil
}

// onWelcome joins the group a welcome invites us to. The group id comes
// from the joined state, never from the envelope.
func (s *Session) onWelcome(ctx context.Context, msg protocol.Message, digest string) error {
	kp, err := s.ownKeyPackage(ctx)
	if err != nil {
		return err
	}

	state, err := s.engine.JoinGroup(ctx, msg, kp)
	if err != nil {
		if errors.Is(err, protocol.ErrNotForUs) {
			// It will never open with this key package.
			if saveErr := s.store.SaveEnvelope(ctx, digest); saveErr != nil {
				return fmt.Errorf("save envelope: %w", saveErr)
			}
		}
		return fmt.Errorf("join group: %w", err)
	}

	gid, err := s.engine.GroupID(state)
	if err != nil {
		return fmt.Errorf("read group id: %w", err)
	}
	id := string(gid)

	now := s.now()
	g := &model.Group{
		ID:         id,
		Name:       model.ReceivedGroupName,
		State:      state,
		CreateDate: now,
		UpdateDate: now,
		ReadDate:   now,
	}
	if g.Members, err = s.GetGroupMembers(ctx, g); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.seen(ctx, digest); err != nil {
		return err
	}

	existing, err := s.store.LoadGroup(ctx, id)
	switch {
	case err == nil:
		// Re-invited to a group we already know: keep its local metadata.
		existing.Members = g.Members
		existing.SetState(state, now)
		g = existing
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load group %s: %w", id, err)
	}

	if err := s.store.SaveIngested(ctx, g, nil, digest); err != nil {
		return fmt.Errorf("save group: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.onWelcome",
		"group_id": id,
		"members":  len(g.Members),
	}).Info("Joined group")
	return nil
}

// onPrivateMessage feeds a private message to the engine. The new state is
// persisted whatever the result kind, since the engine has already moved
// past this message, together with the decrypted message if there is one.
func (s *Session) onPrivateMessage(ctx context.Context, msg protocol.Message, digest string) error {
	id := string(msg.GroupID)
	if id == "" {
		return fmt.Errorf("%w: private message without group id", ErrDecode)
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.seen(ctx, digest); err != nil {
		return err
	}

	g, err := s.store.LoadGroup(ctx, id)
	if err != nil {
		return fmt.Errorf("load group %s: %w", id, err)
	}

	result, err := s.engine.ProcessMessage(ctx, g.State, msg)
	if err != nil {
		return fmt.Errorf("process message: %w", err)
	}
	crypto.WipeAll(result.Consumed)

	now := s.now()
	next := g.Clone()
	next.SetState(result.NewState, now)

	if result.Kind == protocol.ResultCommit {
		members, err := s.GetGroupMembers(ctx, next)
		if err != nil {
			return err
		}
		next.Members = members
	}

	var stored *model.Message
	var noteErr error
	if result.Kind == protocol.ResultApplication {
		stored, noteErr = s.applicationMessage(ctx, id, result, now)
		crypto.ZeroBytes(result.Plaintext)
		if noteErr != nil && !errors.Is(noteErr, ErrDecode) {
			// Transient store failure: keep the old state so the next poll
			// decrypts the message again.
			return noteErr
		}
		if stored != nil {
			next.LastMessage = model.Preview(stored.Plaintext, s.preview)
		}
	}

	// The advanced state, the message and the digest go in together so a
	// failed write leaves the envelope to be processed again.
	if err := s.store.SaveIngested(ctx, next, stored, digest); err != nil {
		return fmt.Errorf("save group: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.onPrivateMessage",
		"group_id": id,
		"kind":     result.Kind.String(),
	}).Debug("Processed private message")

	return noteErr
}

// applicationMessage turns a decrypted payload into a Message. It returns
// nil without error when a message with the same id is already stored.
func (s *Session) applicationMessage(ctx context.Context, groupID string, result *protocol.ProcessResult, now time.Time) (*model.Message, error) {
	if err := limits.ValidateNotePayload(result.Plaintext); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	note, err := parseNote(result.Plaintext)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.LoadMessage(ctx, note.ID); err == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Session.onPrivateMessage",
			"message_id": note.ID,
		}).Debug("Message already stored")
		return nil, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load message: %w", err)
	}

	sender := result.Sender
	if sender == "" {
		sender = note.author()
	} else if author := note.author(); author != "" && author != sender {
		logrus.WithFields(logrus.Fields{
			"function":   "Session.onPrivateMessage",
			"message_id": note.ID,
			"sender":     sender,
			"author":     author,
		}).Warn("Note names a different author than the authenticated sender")
	}

	return &model.Message{
		ID:         note.ID,
		Group:      groupID,
		Sender:     sender,
		Plaintext:  note.Content,
		CreateDate: now,
	}, nil
}
