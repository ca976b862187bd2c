package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

type sessionRow struct {
	ID        string  `gorm:"primaryKey;size:64"`
	OwnerID   string  `gorm:"size:128;not null;index"`
	Status    string  `gorm:"size:16;not null"`
	QRPayload *string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type conversationRow struct {
	ID                string  `gorm:"primaryKey;size:64"`
	SessionID         string  `gorm:"size:64;not null;uniqueIndex:idx_conversation_contact"`
	ContactIdentifier string  `gorm:"size:255;not null;uniqueIndex:idx_conversation_contact"`
	ContactName       *string `gorm:"size:255"`
	Kind              string  `gorm:"size:16;not null"`
	CreatedAt         time.Time
	LastMessageAt     time.Time `gorm:"index"`
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	ConversationID   string `gorm:"size:64;not null;uniqueIndex:idx_message_seq"`
	Seq              int64  `gorm:"not null;uniqueIndex:idx_message_seq"`
	SenderIdentifier string `gorm:"size:255"`
	FromSelf         bool
	Body             string `gorm:"type:text"`
	Type             string `gorm:"size:16"`
	CreatedAt        time.Time
}

func (messageRow) TableName() string { return "messages" }

func sessionFromRow(r *sessionRow) *types.Session {
	return &types.Session{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Status:    types.SessionStatus(r.Status),
		QRPayload: r.QRPayload,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func sessionToRow(s *types.Session) *sessionRow {
	return &sessionRow{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		Status:    string(s.Status),
		QRPayload: s.QRPayload,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func conversationFromRow(r *conversationRow) *types.Conversation {
	return &types.Conversation{
		ID:                r.ID,
		SessionID:         r.SessionID,
		ContactIdentifier: r.ContactIdentifier,
		ContactName:       r.ContactName,
		Kind:              types.ConversationKind(r.Kind),
		CreatedAt:         r.CreatedAt,
		LastMessageAt:     r.LastMessageAt,
	}
}

func messageFromRow(r *messageRow) *types.Message {
	return &types.Message{
		ID:               r.ID,
		ConversationID:   r.ConversationID,
		SenderIdentifier: r.SenderIdentifier,
		FromSelf:         r.FromSelf,
		Body:             r.Body,
		Type:             types.MessageType(r.Type),
		CreatedAt:        r.CreatedAt,
		Seq:              r.Seq,
	}
}

// GormStore is a Store backed by a SQL database through gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to postgres and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	return open(postgres.Open(dsn), 0)
}

// OpenSQLite opens a sqlite database (":memory:" works for tests) and
// migrates the schema. SQLite allows a single writer, so the pool is capped
// to one connection.
func OpenSQLite(dsn string) (*GormStore, error) {
	return open(sqlite.Open(dsn), 1)
}

func open(dialector gorm.Dialector, maxConns int) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if maxConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(maxConns)
	}

	if err := db.AutoMigrate(&sessionRow{}, &conversationRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	}
	return err
}

// CreateSession implements Store.
func (g *GormStore) CreateSession(ctx context.Context, s *types.Session) error {
	if err := g.db.WithContext(ctx).Create(sessionToRow(s)).Error; err != nil {
		return fmt.Errorf("create session: %w", translate(err))
	}
	return nil
}

// GetSession implements Store.
func (g *GormStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var row sessionRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return sessionFromRow(&row), nil
}

// ListSessions implements Store.
func (g *GormStore) ListSessions(ctx context.Context, ownerID string) ([]*types.Session, error) {
	var rows []sessionRow
	err := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, sessionFromRow(&rows[i]))
	}
	return sessions, nil
}

// UpdateSession implements Store.
func (g *GormStore) UpdateSession(ctx context.Context, id string, fn func(s *types.Session) error) (*types.Session, error) {
	var updated *types.Session
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		s := sessionFromRow(&row)
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = time.Now()
		if err := tx.Save(sessionToRow(s)).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSession implements Store.
func (g *GormStore) DeleteSession(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convIDs := tx.Model(&conversationRow{}).Select("id").Where("session_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", convIDs).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&conversationRow{}).Error; err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&sessionRow{}).Error; err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// CreateConversation implements Store.
func (g *GormStore) CreateConversation(ctx context.Context, c *types.Conversation) error {
	row := &conversationRow{
		ID:                c.ID,
		SessionID:         c.SessionID,
		ContactIdentifier: c.ContactIdentifier,
		ContactName:       c.ContactName,
		Kind:              string(c.Kind),
		CreatedAt:         c.CreatedAt,
		LastMessageAt:     c.LastMessageAt,
	}
	if err := g.db.WithContext(ctx).Create(row).Error; err != nil {
		if err := translate(err); errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation implements Store.
func (g *GormStore) GetConversation(ctx context.Context, sessionID, id string) (*types.Conversation, error) {
	var row conversationRow
	err := g.db.WithContext(ctx).First(&row, "id = ? AND session_id = ?", id, sessionID).Error
	if err != nil {
		return nil, translate(err)
	}
	return conversationFromRow(&row), nil
}

// FindConversation implements Store.
func (g *GormStore) FindConversation(ctx context.Context, sessionID, contact string) (*types.Conversation, error) {
	var row conversationRow
	err := g.db.WithContext(ctx).First(&row, "session_id = ? AND contact_identifier = ?", sessionID, contact).Error
	if err != nil {
		return nil, translate(err)
	}
	return conversationFromRow(&row), nil
}

// ListConversations implements Store.
func (g *GormStore) ListConversations(ctx context.Context, sessionID string) ([]*types.Conversation, error) {
	var rows []conversationRow
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("last_message_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	convs := make([]*types.Conversation, 0, len(rows))
	for i := range rows {
		convs = append(convs, conversationFromRow(&rows[i]))
	}
	return convs, nil
}

// TouchConversation implements Store.
func (g *GormStore) TouchConversation(ctx context.Context, sessionID, id string, at time.Time) (*types.Conversation, error) {
	var touched *types.Conversation
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row conversationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ? AND session_id = ?", id, sessionID).Error
		if err != nil {
			return translate(err)
		}
		row.LastMessageAt = nextTouch(row.LastMessageAt, at)
		if err := tx.Model(&row).Update("last_message_at", row.LastMessageAt).Error; err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		touched = conversationFromRow(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// AppendMessage implements Store. A sequence collision with a concurrent
// writer from another process is retried.
func (g *GormStore) AppendMessage(ctx context.Context, sessionID string, m *types.Message) error {
	if _, err := g.GetConversation(ctx, sessionID, m.ConversationID); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int64
			err := tx.Model(&messageRow{}).
				Where("conversation_id = ?", m.ConversationID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&last).Error
			if err != nil {
				return err
			}
			row := &messageRow{
				ID:               m.ID,
				ConversationID:   m.ConversationID,
				Seq:              last + 1,
				SenderIdentifier: m.SenderIdentifier,
				FromSelf:         m.FromSelf,
				Body:             m.Body,
				Type:             string(m.Type),
				CreatedAt:        m.CreatedAt,
			}
			if err := tx.Create(row).Error; err != nil {
				return translate(err)
			}
			m.Seq = row.Seq
			return nil
		})
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages implements Store.
func (g *GormStore) ListMessages(ctx context.Context, sessionID, conversationID string) ([]*types.Message, error) {
	if _, err := g.GetConversation(ctx, sessionID, conversationID); err != nil {
		return nil, err
	}

	var rows []messageRow
	err := g.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]*types.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, messageFromRow(&rows[i]))
	}
	return messages, nil
}

// Close releases the database connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
