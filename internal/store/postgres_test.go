package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPostgres_TableIsSchemaQualified(t *testing.T) {
	s := &PostgresStore{schema: "chat"}
	require.Equal(t, `"chat"."chat_messages"`, s.table("chat_messages"))

	s = &PostgresStore{schema: `we"ird`}
	require.Equal(t, `"we""ird"."token_usage"`, s.table("token_usage"))
}

// Runs against a live database when PGSTORE_TEST_DSN is set.
func TestPostgres_MessageAndUsage(t *testing.T) {
	dsn := os.Getenv("PGSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("PGSTORE_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "test_" + uuid.NewString()[:8]
	s, err := OpenPostgres(ctx, dsn, schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+`"`+schema+`"`+" CASCADE")
		_ = s.Close()
	})

	n, err := s.CountMessages(ctx, "room-1")
	require.NoError(t, err)
	require.Zero(t, n)

	msg, err := s.CreateMessage(ctx, "room-1", NewMessage{
		Role:      "assistant",
		Content:   "answer",
		Citations: []streaming.Citation{{URL: "https://a.test", Title: "A"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "room-1", msg.RoomID)

	n, err = s.CountMessages(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.Record(ctx, UsageRecord{
		UserID:       "u1",
		RoomID:       "room-1",
		Model:        "gemini-2.5-flash",
		InputTokens:  120,
		OutputTokens: 40,
		ChatType:     "chat",
		Timestamp:    time.Now(),
	}))

	records, err := s.UsageForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 120, records[0].InputTokens)
	require.Equal(t, "chat", records[0].ChatType)
}
