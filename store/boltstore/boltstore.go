// Package boltstore implements store.Store on a single bbolt file.
//
// Records are cbor encoded. When opened with a passphrase, group records and
// the local key package are sealed with AES-256-GCM under a PBKDF2-derived
// key, bound to their bucket and key so records cannot be swapped between
// slots. Messages and envelope digests are stored in the clear.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/apmls/crypto"
	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

const (
	metadataBucket      = "metadata"
	groupsBucket        = "groups"
	messagesBucket      = "messages"
	groupMessagesBucket = "group_messages"
	keyPackageBucket    = "key_package"
	envelopesBucket     = "envelopes"

	versionKey    = "version"
	saltKey       = "salt"
	checkKey      = "check"
	ownKeyPackage = "own"

	schemaVersion = 1
)

var checkValue = []byte("apmls boltstore")

// ErrWrongPassphrase is returned by Open when the passphrase does not match
// the one the database was created with.
var ErrWrongPassphrase = errors.New("boltstore: wrong passphrase")

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("boltstore: cbor encoding mode: %v", err))
	}
}

// Option configures Open.
type Option func(*Store)

// WithPassphrase enables at-rest sealing. The slice is wiped once the key
// has been derived.
func WithPassphrase(passphrase []byte) Option {
	return func(s *Store) {
		s.passphrase = passphrase
	}
}

// WithTimeout bounds how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

type groupRecord struct {
	ID          string    `cbor:"1,keyasint"`
	Name        string    `cbor:"2,keyasint"`
	Members     []string  `cbor:"3,keyasint"`
	State       []byte    `cbor:"4,keyasint"`
	LastMessage string    `cbor:"5,keyasint"`
	CreateDate  time.Time `cbor:"6,keyasint"`
	UpdateDate  time.Time `cbor:"7,keyasint"`
	ReadDate    time.Time `cbor:"8,keyasint"`
}

type messageRecord struct {
	ID         string    `cbor:"1,keyasint"`
	Group      string    `cbor:"2,keyasint"`
	Sender     string    `cbor:"3,keyasint"`
	Plaintext  string    `cbor:"4,keyasint"`
	CreateDate time.Time `cbor:"5,keyasint"`
}

type keyPackageRecord struct {
	Identity string `cbor:"1,keyasint"`
	Public   []byte `cbor:"2,keyasint"`
	Private  []byte `cbor:"3,keyasint"`
}

// Store is a bbolt backed store.Store.
type Store struct {
	mu         sync.Mutex
	db         *bolt.DB
	sealer     *crypto.Sealer
	passphrase []byte
	timeout    time.Duration
	observers  store.Observers
}

var _ store.Store = (*Store)(nil)

// Open creates or loads the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	s.db = db

	if err := s.db.Update(s.initialize); err != nil {
		s.db.Close()
		if s.sealer != nil {
			s.sealer.Close()
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "boltstore.Open",
		"path":     path,
		"sealed":   s.sealer != nil,
	}).Debug("Opened store")

	return s, nil
}

func (s *Store) initialize(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
	if err != nil {
		return err
	}
	for _, name := range []string{groupsBucket, messagesBucket, groupMessagesBucket, keyPackageBucket, envelopesBucket} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
	}

	if b := meta.Get([]byte(versionKey)); b != nil {
		if len(b) != 1 || b[0] != schemaVersion {
			return fmt.Errorf("boltstore: incompatible version: %v", b)
		}
	} else if err := meta.Put([]byte(versionKey), []byte{schemaVersion}); err != nil {
		return err
	}

	if s.passphrase == nil {
		if meta.Get([]byte(saltKey)) != nil {
			return fmt.Errorf("%w: database is sealed", ErrWrongPassphrase)
		}
		return nil
	}
	return s.unlock(meta)
}

// unlock derives the sealing key, creating salt and check value on first use.
func (s *Store) unlock(meta *bolt.Bucket) error {
	salt := meta.Get([]byte(saltKey))
	fresh := salt == nil
	if fresh {
		var err error
		if salt, err = crypto.NewSalt(); err != nil {
			return err
		}
	} else {
		salt = append([]byte(nil), salt...)
	}

	sealer, err := crypto.NewSealer(s.passphrase, salt)
	s.passphrase = nil
	if err != nil {
		return err
	}
	s.sealer = sealer

	if fresh {
		check, err := sealer.Seal(checkValue, []byte(checkKey))
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(saltKey), salt); err != nil {
			return err
		}
		return meta.Put([]byte(checkKey), check)
	}

	if _, err := sealer.Open(meta.Get([]byte(checkKey)), []byte(checkKey)); err != nil {
		return ErrWrongPassphrase
	}
	return nil
}

func (s *Store) seal(bucket, key string, data []byte) ([]byte, error) {
	if s.sealer == nil {
		return data, nil
	}
	return s.sealer.Seal(data, []byte(bucket+"/"+key))
}

func (s *Store) open(bucket, key string, data []byte) ([]byte, error) {
	if s.sealer == nil {
		return data, nil
	}
	return s.sealer.Open(data, []byte(bucket+"/"+key))
}

// LoadGroup implements store.Store.
func (s *Store) LoadGroup(ctx context.Context, id string) (*model.Group, error) {
	var g *model.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		g, err = s.getGroup(tx, id)
		return err
	})
	return g, err
}

func (s *Store) getGroup(tx *bolt.Tx, id string) (*model.Group, error) {
	raw := tx.Bucket([]byte(groupsBucket)).Get([]byte(id))
	if raw == nil {
		return nil, store.ErrNotFound
	}
	data, err := s.open(groupsBucket, id, raw)
	if err != nil {
		return nil, fmt.Errorf("boltstore: unseal group %s: %w", id, err)
	}
	var rec groupRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("boltstore: decode group %s: %w", id, err)
	}
	return &model.Group{
		ID:          rec.ID,
		Name:        rec.Name,
		Members:     rec.Members,
		State:       protocol.State(rec.State),
		LastMessage: rec.LastMessage,
		CreateDate:  rec.CreateDate,
		UpdateDate:  rec.UpdateDate,
		ReadDate:    rec.ReadDate,
	}, nil
}

// SaveGroup implements store.Store.
func (s *Store) SaveGroup(ctx context.Context, g *model.Group) error {
	sealed, err := s.encodeGroup(g)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).Put([]byte(g.ID), sealed)
	}); err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

func (s *Store) encodeGroup(g *model.Group) ([]byte, error) {
	if g == nil || g.ID == "" {
		return nil, errors.New("group id is required")
	}
	data, err := encMode.Marshal(groupRecord{
		ID:          g.ID,
		Name:        g.Name,
		Members:     g.Members,
		State:       g.State,
		LastMessage: g.LastMessage,
		CreateDate:  g.CreateDate,
		UpdateDate:  g.UpdateDate,
		ReadDate:    g.ReadDate,
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: encode group: %w", err)
	}
	return s.seal(groupsBucket, g.ID, data)
}

// DeleteGroup implements store.Store.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket([]byte(groupsBucket))
		if groups.Get([]byte(id)) == nil {
			return store.ErrNotFound
		}
		if err := groups.Delete([]byte(id)); err != nil {
			return err
		}
		index := tx.Bucket([]byte(groupMessagesBucket))
		members := index.Bucket([]byte(id))
		if members == nil {
			return nil
		}
		messages := tx.Bucket([]byte(messagesBucket))
		if err := members.ForEach(func(k, _ []byte) error {
			return messages.Delete(k)
		}); err != nil {
			return err
		}
		return index.DeleteBucket([]byte(id))
	})
	if err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// AllGroups implements store.Store.
func (s *Store) AllGroups(ctx context.Context) ([]*model.Group, error) {
	var out []*model.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).ForEach(func(k, _ []byte) error {
			g, err := s.getGroup(tx, string(k))
			if err != nil {
				return err
			}
			out = append(out, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortGroups(out)
	return out, nil
}

// LoadMessage implements store.Store.
func (s *Store) LoadMessage(ctx context.Context, id string) (*model.Message, error) {
	var m *model.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getMessage(tx, id)
		return err
	})
	return m, err
}

func getMessage(tx *bolt.Tx, id string) (*model.Message, error) {
	raw := tx.Bucket([]byte(messagesBucket)).Get([]byte(id))
	if raw == nil {
		return nil, store.ErrNotFound
	}
	var rec messageRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("boltstore: decode message %s: %w", id, err)
	}
	return &model.Message{
		ID:         rec.ID,
		Group:      rec.Group,
		Sender:     rec.Sender,
		Plaintext:  rec.Plaintext,
		CreateDate: rec.CreateDate,
	}, nil
}

// SaveMessage implements store.Store.
func (s *Store) SaveMessage(ctx context.Context, m *model.Message) error {
	data, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return putMessage(tx, m, data)
	}); err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

func encodeMessage(m *model.Message) ([]byte, error) {
	if m == nil || m.ID == "" {
		return nil, errors.New("message id is required")
	}
	data, err := encMode.Marshal(messageRecord{
		ID:         m.ID,
		Group:      m.Group,
		Sender:     m.Sender,
		Plaintext:  m.Plaintext,
		CreateDate: m.CreateDate,
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: encode message: %w", err)
	}
	return data, nil
}

// putMessage stores an encoded message and moves its index entry if the
// message changed groups.
func putMessage(tx *bolt.Tx, m *model.Message, data []byte) error {
	if old, err := getMessage(tx, m.ID); err == nil && old.Group != m.Group {
		if prev := tx.Bucket([]byte(groupMessagesBucket)).Bucket([]byte(old.Group)); prev != nil {
			if err := prev.Delete([]byte(m.ID)); err != nil {
				return err
			}
		}
	}
	if err := tx.Bucket([]byte(messagesBucket)).Put([]byte(m.ID), data); err != nil {
		return err
	}
	index, err := tx.Bucket([]byte(groupMessagesBucket)).CreateBucketIfNotExists([]byte(m.Group))
	if err != nil {
		return err
	}
	return index.Put([]byte(m.ID), nil)
}

// AllMessages implements store.Store.
func (s *Store) AllMessages(ctx context.Context, groupID string) ([]*model.Message, error) {
	out := []*model.Message{}
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(groupMessagesBucket)).Bucket([]byte(groupID))
		if index == nil {
			return nil
		}
		return index.ForEach(func(k, _ []byte) error {
			m, err := getMessage(tx, string(k))
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortMessages(out)
	return out, nil
}

// LoadKeyPackage implements store.Store.
func (s *Store) LoadKeyPackage(ctx context.Context) (*protocol.KeyPackage, error) {
	var kp *protocol.KeyPackage
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(keyPackageBucket)).Get([]byte(ownKeyPackage))
		if raw == nil {
			return store.ErrNotFound
		}
		data, err := s.open(keyPackageBucket, ownKeyPackage, raw)
		if err != nil {
			return fmt.Errorf("boltstore: unseal key package: %w", err)
		}
		defer crypto.ZeroBytes(data)
		var rec keyPackageRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("boltstore: decode key package: %w", err)
		}
		kp = &protocol.KeyPackage{Identity: rec.Identity, Public: rec.Public, Private: rec.Private}
		return nil
	})
	return kp, err
}

// SaveKeyPackage implements store.Store.
func (s *Store) SaveKeyPackage(ctx context.Context, kp *protocol.KeyPackage) error {
	if kp == nil {
		return errors.New("key package is required")
	}
	data, err := encMode.Marshal(keyPackageRecord{Identity: kp.Identity, Public: kp.Public, Private: kp.Private})
	if err != nil {
		return fmt.Errorf("boltstore: encode key package: %w", err)
	}
	sealed, err := s.seal(keyPackageBucket, ownKeyPackage, data)
	if s.sealer != nil {
		crypto.ZeroBytes(data)
	}
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keyPackageBucket)).Put([]byte(ownKeyPackage), sealed)
	}); err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// HasEnvelope implements store.Store.
func (s *Store) HasEnvelope(ctx context.Context, digest string) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket([]byte(envelopesBucket)).Get([]byte(digest)) != nil
		return nil
	})
	return seen, err
}

// SaveEnvelope implements store.Store.
func (s *Store) SaveEnvelope(ctx context.Context, digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, digest)
	})
}

func putEnvelope(tx *bolt.Tx, digest string) error {
	stamp, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(envelopesBucket)).Put([]byte(digest), stamp)
}

// SaveIngested implements store.Store with a single bbolt transaction.
func (s *Store) SaveIngested(ctx context.Context, g *model.Group, m *model.Message, digest string) error {
	group, err := s.encodeGroup(g)
	if err != nil {
		return err
	}
	var message []byte
	if m != nil {
		if message, err = encodeMessage(m); err != nil {
			return err
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(groupsBucket)).Put([]byte(g.ID), group); err != nil {
			return err
		}
		if m != nil {
			if err := putMessage(tx, m, message); err != nil {
				return err
			}
		}
		return putEnvelope(tx, digest)
	})
	if err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// OnChange implements store.Store.
func (s *Store) OnChange(fn func()) func() {
	return s.observers.Add(fn)
}

// Close syncs and closes the database and wipes the sealing key.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if s.sealer != nil {
		s.sealer.Close()
		s.sealer = nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
