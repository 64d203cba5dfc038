package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// PostgresStore is the shared backend used when PGSTORE_DSN is set.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// OpenPostgres connects, creates the schema objects if missing and returns the store.
func OpenPostgres(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := &PostgresStore{pool: pool, schema: schema, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infof("postgres store: using schema %s", schema)
	return s, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.table("chat_messages") + ` (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning_content TEXT,
			thought_time DOUBLE PRECISION,
			citations JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_room_idx ON ` + s.table("chat_messages") + ` (room_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("token_usage") + ` (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cache_hit_tokens INTEGER NOT NULL DEFAULT 0,
			chat_type TEXT,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateMessage implements MessageStore.
func (s *PostgresStore) CreateMessage(ctx context.Context, roomID string, msg NewMessage) (StoredMessage, error) {
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
	_, err = s.pool.Exec(ctx, `INSERT INTO `+s.table("chat_messages")+`
		(id, room_id, role, content, reasoning_content, thought_time, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		out.ID, out.RoomID, out.Role, out.Content, out.ReasoningContent, out.ThoughtTime, citations, out.CreatedAt)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

// CountMessages implements MessageStore.
func (s *PostgresStore) CountMessages(ctx context.Context, roomID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table("chat_messages")+` WHERE room_id = $1`, roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Record implements UsageRecorder.
func (s *PostgresStore) Record(ctx context.Context, rec UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO `+s.table("token_usage")+`
		(user_id, room_id, model, input_tokens, output_tokens, cache_write_tokens, cache_hit_tokens, chat_type, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.UserID, rec.RoomID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.CacheWriteTokens, rec.CacheHitTokens, rec.ChatType, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// UsageForUser returns the usage rows of one user, oldest first.
func (s *PostgresStore) UsageForUser(ctx context.Context, userID string) ([]UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, room_id, model, input_tokens, output_tokens, cache_write_tokens, cache_hit_tokens, COALESCE(chat_type, ''), timestamp
		FROM `+s.table("token_usage")+` WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (UsageRecord, error) {
		var r UsageRecord
		err := row.Scan(&r.UserID, &r.RoomID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CacheWriteTokens, &r.CacheHitTokens, &r.ChatType, &r.Timestamp)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}
