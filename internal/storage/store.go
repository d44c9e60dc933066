package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and implements the conversation state store
// the realtime hub reads read flags from and writes them back to.
type Store struct {
	db *sql.DB
}

// Conversation is a two-party conversation row. Each participant owns one
// read flag.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	ReadA        bool
	ReadB        bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Opponent returns the participant that is not userID.
func (c Conversation) Opponent(userID string) (string, bool) {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	}
	return "", false
}

// ReadFlag returns the read flag stored on userID's side.
func (c Conversation) ReadFlag(userID string) bool {
	if userID == c.ParticipantA {
		return c.ReadA
	}
	return c.ReadB
}

var (
	// ErrConversationExists is returned when the pair already shares a conversation.
	ErrConversationExists = errors.New("conversation already exists")
	// ErrConversationNotFound is returned when no row matches the conversation id.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNotParticipant is returned when a read flag is written for a user outside the conversation.
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "realtime.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			read_a INTEGER NOT NULL DEFAULT 1,
			read_b INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (participant_a, participant_b)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return tx.Commit()
}

// CreateConversation inserts a conversation between two users. The pair is
// stored in lexical order so (a, b) and (b, a) collide.
func (s *Store) CreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if userA == "" || userB == "" {
		return nil, errors.New("both participants are required")
	}
	if userA == userB {
		return nil, errors.New("cannot open a conversation with yourself")
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(id, participant_a, participant_b) VALUES(?, ?, ?)`,
		id, userA, userB)
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrConversationExists
		}
		return nil, errors.Wrap(err, "insert conversation")
	}
	return s.GetConversation(ctx, id)
}

// GetConversation fetches a conversation by id. Missing rows yield (nil, nil).
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, read_a, read_b, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get conversation %s", id)
	}
	return conv, nil
}

// FindConversation returns the conversation shared by two users, if any.
func (s *Store) FindConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if userB < userA {
		userA, userB = userB, userA
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, read_a, read_b, created_at, updated_at
		FROM conversations WHERE participant_a = ? AND participant_b = ?`, userA, userB)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find conversation")
	}
	return conv, nil
}

// FetchConversations lists every conversation the user participates in.
func (s *Store) FetchConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_a, participant_b, read_a, read_b, created_at, updated_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY created_at ASC, id ASC
	`, userID, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch conversations for %s", userID)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conversations, nil
}

// SetReadFlag writes value to userID's side of the conversation.
func (s *Store) SetReadFlag(ctx context.Context, conversationID, userID string, value bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			read_a = CASE WHEN participant_a = ? THEN ? ELSE read_a END,
			read_b = CASE WHEN participant_b = ? THEN ? ELSE read_b END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (participant_a = ? OR participant_b = ?)
	`, userID, value, userID, value, conversationID, userID, userID)
	if err != nil {
		return errors.Wrapf(err, "set read flag on %s", conversationID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	return ErrNotParticipant
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &conv.ReadA, &conv.ReadB, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	return &conv, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended result codes keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
