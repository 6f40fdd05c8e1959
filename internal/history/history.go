// Package history persists conversations and their messages in SQLite.
// If the database cannot be opened or initialized, the store falls back to
// process memory.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/comigor/scoreline/internal/logger"
)

// ListLimit caps the conversations returned by ListConversations.
const ListLimit = 50

// ErrNotFound is returned when a conversation does not exist for the user.
var ErrNotFound = errors.New("history: conversation not found")

type backend interface {
	createConversation(ctx context.Context, c Conversation) error
	listConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	conversation(ctx context.Context, userID, id string) (Conversation, error)
	deleteConversation(ctx context.Context, userID, id string) (bool, error)
	setTitle(ctx context.Context, id, title string, now time.Time) error
	saveMessage(ctx context.Context, m Message) error
	messages(ctx context.Context, conversationID string) ([]Message, error)
	close() error
}

// Store is the conversation store used by the chat backend.
type Store struct {
	b   backend
	now func() time.Time
}

// Open opens the SQLite database at path. Failures are logged and yield a
// memory-backed Store.
func Open(path string) *Store {
	b, err := openSQLite(path)
	if err != nil {
		logger.L.Warn("sqlite unavailable; using in-memory history", "path", path, "error", err)
		return NewMemory()
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	return &Store{b: b, now: time.Now}
}

// NewMemory returns a Store that keeps everything in memory.
func NewMemory() *Store {
	return &Store{b: newMemoryBackend(), now: time.Now}
}

// Close releases the database.
func (s *Store) Close() error { return s.b.close() }

// CreateConversation starts an empty conversation for userID.
func (s *Store) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := s.now().UTC()
	c := Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.b.createConversation(ctx, c); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return s.b.listConversations(ctx, userID, ListLimit)
}

// Conversation returns the conversation id if userID owns it.
func (s *Store) Conversation(ctx context.Context, userID, id string) (Conversation, error) {
	return s.b.conversation(ctx, userID, id)
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	ok, err := s.b.deleteConversation(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Messages returns the messages of a conversation in creation order. A
// conversation the user does not own reads as empty.
func (s *Store) Messages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if _, err := s.b.conversation(ctx, userID, conversationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []Message{}, nil
		}
		return nil, err
	}
	return s.b.messages(ctx, conversationID)
}

// SaveMessage appends a message and bumps the conversation's update time.
func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content string) (Message, error) {
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.b.saveMessage(ctx, m); err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	return m, nil
}

// SetTitle renames a conversation.
func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	return s.b.setTitle(ctx, conversationID, title, s.now().UTC())
}

// sqlite

type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(path string) (*sqliteBackend, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        created_at DATETIME,
        updated_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS conversations_user ON conversations(user_id, updated_at);
    CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
        role TEXT,
        content TEXT,
        created_at DATETIME
    );`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) close() error { return b.db.Close() }

func (b *sqliteBackend) createConversation(ctx context.Context, c Conversation) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?,?,?,?,?);`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt)
	return err
}

func (b *sqliteBackend) listConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?;`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) conversation(ctx context.Context, userID, id string) (Conversation, error) {
	var c Conversation
	err := b.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?;`,
		id, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func (b *sqliteBackend) deleteConversation(ctx context.Context, userID, id string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?;`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?;`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (b *sqliteBackend) setTitle(ctx context.Context, id, title string, now time.Time) error {
	_, err := b.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?;`, title, now, id)
	return err
}

func (b *sqliteBackend) saveMessage(ctx context.Context, m Message) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?,?,?,?,?);`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?;`, m.CreatedAt, m.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBackend) messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC;`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// memory

type memoryBackend struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	msgs          map[string][]Message
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		conversations: make(map[string]Conversation),
		msgs:          make(map[string][]Message),
	}
}

func (b *memoryBackend) close() error { return nil }

func (b *memoryBackend) createConversation(_ context.Context, c Conversation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[c.ID] = c
	return nil
}

func (b *memoryBackend) listConversations(_ context.Context, userID string, limit int) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Conversation{}
	for _, c := range b.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Conversation) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memoryBackend) conversation(_ context.Context, userID, id string) (Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (b *memoryBackend) deleteConversation(_ context.Context, userID, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(b.conversations, id)
	delete(b.msgs, id)
	return true, nil
}

func (b *memoryBackend) setTitle(_ context.Context, id, title string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok {
		return nil
	}
	c.Title = title
	c.UpdatedAt = now
	b.conversations[id] = c
	return nil
}

func (b *memoryBackend) saveMessage(_ context.Context, m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = m.CreatedAt
	b.conversations[m.ConversationID] = c
	b.msgs[m.ConversationID] = append(b.msgs[m.ConversationID], m)
	return nil
}

func (b *memoryBackend) messages(_ context.Context, conversationID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message{}, b.msgs[conversationID]...), nil
}
