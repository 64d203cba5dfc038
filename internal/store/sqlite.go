package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and :memory: databases are
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil || version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		desc := strings.TrimSuffix(parts[1], ".sql")
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", version, desc); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Infof("store: applied migration %04d %s", version, desc)
	}
	return nil
}

// CreateMessage implements MessageStore.
func (s *SQLiteStore) CreateMessage(ctx context.Context, roomID string, msg NewMessage) (StoredMessage, error) {
	if roomID == "" {
		return StoredMessage{}, ErrEmptyRoom
	}
	citations, err := encodeCitations(msg.Citations)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("encode citations: %w", err)
	}
	out := StoredMessage{
		ID:               uuid.NewString(),
		RoomID:           roomID,
		Role:             msg.Role,
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
		ThoughtTime:      msg.ThoughtTime,
		Citations:        msg.Citations,
		CreatedAt:        s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, room_id, role, content, reasoning_content, thought_time, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.RoomID, out.Role, out.Content, out.ReasoningContent, out.ThoughtTime, citations, out.CreatedAt)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

// CountMessages implements MessageStore.
func (s *SQLiteStore) CountMessages(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages WHERE room_id = ?", roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ListMessages returns a room's messages oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, role, content, reasoning_content, thought_time, citations, created_at
		FROM chat_messages WHERE room_id = ? ORDER BY created_at, rowid`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			m         StoredMessage
			reasoning sql.NullString
			thought   sql.NullFloat64
			citations sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Role, &m.Content, &reasoning, &thought, &citations, &m.CreatedAt); err != nil {
			return nil, err
		}
		if reasoning.Valid {
			m.ReasoningContent = &reasoning.String
		}
		if thought.Valid {
			m.ThoughtTime = &thought.Float64
		}
		if citations.Valid {
			if m.Citations, err = decodeCitations(&citations.String); err != nil {
				return nil, fmt.Errorf("decode citations: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Record implements UsageRecorder.
func (s *SQLiteStore) Record(ctx context.Context, rec UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (user_id, room_id, model, input_tokens, output_tokens, cache_write_tokens, cache_hit_tokens, chat_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.RoomID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.CacheWriteTokens, rec.CacheHitTokens, rec.ChatType, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// UsageForUser returns a user's records oldest first.
func (s *SQLiteStore) UsageForUser(ctx context.Context, userID string) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, room_id, model, input_tokens, output_tokens, cache_write_tokens, cache_hit_tokens, COALESCE(chat_type, ''), timestamp
		FROM token_usage WHERE user_id = ? ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.UserID, &r.RoomID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CacheWriteTokens, &r.CacheHitTokens, &r.ChatType, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
