// Package sqlstore implements store.Store with gorm on sqlite.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/opd-ai/apmls/model"
	"github.com/opd-ai/apmls/protocol"
	"github.com/opd-ai/apmls/store"
)

const ownKeyPackage = "own"

type groupRow struct {
	ID          string   `gorm:"primaryKey"`
	Name        string   `gorm:"not null"`
	Members     []string `gorm:"serializer:json"`
	State       []byte
	LastMessage string
	CreateDate  time.Time
	UpdateDate  time.Time `gorm:"index"`
	ReadDate    time.Time
}

func (groupRow) TableName() string {
	return "groups"
}

type messageRow struct {
	ID         string `gorm:"primaryKey"`
	GroupID    string `gorm:"index;not null"`
	Sender     string
	Plaintext  string
	CreateDate time.Time `gorm:"index"`
}

func (messageRow) TableName() string {
	return "messages"
}

type keyPackageRow struct {
	Slot     string `gorm:"primaryKey"`
	Identity string
	Public   []byte
	Private  []byte
}

func (keyPackageRow) TableName() string {
	return "key_packages"
}

type envelopeRow struct {
	Digest string `gorm:"primaryKey"`
	SeenAt time.Time
}

func (envelopeRow) TableName() string {
	return "envelopes"
}

// Store is a gorm backed store.Store.
type Store struct {
	db        *gorm.DB
	observers store.Observers
}

var _ store.Store = (*Store)(nil)

// Open connects to the sqlite database at dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dsn, err)
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&groupRow{}, &messageRow{}, &keyPackageRow{}, &envelopeRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "sqlstore.New",
		"dialect":  db.Dialector.Name(),
	}).Debug("Opened store")

	return &Store{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func toGroup(r *groupRow) *model.Group {
	return &model.Group{
		ID:          r.ID,
		Name:        r.Name,
		Members:     r.Members,
		State:       protocol.State(r.State),
		LastMessage: r.LastMessage,
		CreateDate:  r.CreateDate,
		UpdateDate:  r.UpdateDate,
		ReadDate:    r.ReadDate,
	}
}

func toMessage(r *messageRow) *model.Message {
	return &model.Message{
		ID:         r.ID,
		Group:      r.GroupID,
		Sender:     r.Sender,
		Plaintext:  r.Plaintext,
		CreateDate: r.CreateDate,
	}
}

func fromGroup(g *model.Group) groupRow {
	return groupRow{
		ID:          g.ID,
		Name:        g.Name,
		Members:     append([]string(nil), g.Members...),
		State:       g.State.Clone(),
		LastMessage: g.LastMessage,
		CreateDate:  g.CreateDate,
		UpdateDate:  g.UpdateDate,
		ReadDate:    g.ReadDate,
	}
}

func fromMessage(m *model.Message) messageRow {
	return messageRow{
		ID:         m.ID,
		GroupID:    m.Group,
		Sender:     m.Sender,
		Plaintext:  m.Plaintext,
		CreateDate: m.CreateDate,
	}
}

// LoadGroup implements store.Store.
func (s *Store) LoadGroup(ctx context.Context, id string) (*model.Group, error) {
	var row groupRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return toGroup(&row), nil
}

// SaveGroup implements store.Store.
func (s *Store) SaveGroup(ctx context.Context, g *model.Group) error {
	if g == nil || g.ID == "" {
		return errors.New("group id is required")
	}
	row := fromGroup(g)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// DeleteGroup implements store.Store.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&groupRow{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return tx.Delete(&messageRow{}, "group_id = ?", id).Error
	})
	if err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// AllGroups implements store.Store.
func (s *Store) AllGroups(ctx context.Context) ([]*model.Group, error) {
	var rows []groupRow
	if err := s.db.WithContext(ctx).Order("update_date desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Group, len(rows))
	for i := range rows {
		out[i] = toGroup(&rows[i])
	}
	return out, nil
}

// LoadMessage implements store.Store.
func (s *Store) LoadMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return toMessage(&row), nil
}

// SaveMessage implements store.Store.
func (s *Store) SaveMessage(ctx context.Context, m *model.Message) error {
	if m == nil || m.ID == "" {
		return errors.New("message id is required")
	}
	row := fromMessage(m)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// AllMessages implements store.Store.
func (s *Store) AllMessages(ctx context.Context, groupID string) ([]*model.Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("group_id = ?", groupID).Order("create_date asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Message, len(rows))
	for i := range rows {
		out[i] = toMessage(&rows[i])
	}
	return out, nil
}

// LoadKeyPackage implements store.Store.
func (s *Store) LoadKeyPackage(ctx context.Context) (*protocol.KeyPackage, error) {
	var row keyPackageRow
	if err := s.db.WithContext(ctx).First(&row, "slot = ?", ownKeyPackage).Error; err != nil {
		return nil, notFound(err)
	}
	return &protocol.KeyPackage{Identity: row.Identity, Public: row.Public, Private: row.Private}, nil
}

// SaveKeyPackage implements store.Store.
func (s *Store) SaveKeyPackage(ctx context.Context, kp *protocol.KeyPackage) error {
	if kp == nil {
		return errors.New("key package is required")
	}
	row := keyPackageRow{
		Slot:     ownKeyPackage,
		Identity: kp.Identity,
		Public:   append([]byte(nil), kp.Public...),
		Private:  append([]byte(nil), kp.Private...),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	s.observers.Notify()
	return nil
}

// HasEnvelope implements store.Store.
func (s *Store) HasEnvelope(ctx context.Context, digest string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&envelopeRow{}).Where("digest = ?", digest).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveEnvelope implements store.Store.
func (s *Store) SaveEnvelope(ctx context.Context, digest string) error {
	row := envelopeRow{Digest: digest, SeenAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// SaveIngested implements store.Store in one transaction.
func (s *Store) SaveIngested(ctx context.Context, g *model.Group, m *model.Message, digest string) error {
	if g == nil || g.ID == "" {
		return errors.New("group id is required")
	}
	if m != nil && m.ID == "" {
		return errors.New("message id is required")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group := fromGroup(g)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&group).Error; err != nil {
			return err
		}
		if m != nil {
			message := fromMessage(m)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&message).Error; err != nil {
				return err
			}
		}
		envelope := envelopeRow{Digest: digest, SeenAt: time.Now().UTC()}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&envelope).Error
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

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
