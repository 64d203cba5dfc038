package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionCache_ConcurrentFirstUseSharesSession(t *testing.T) {
	c := NewSessionCache(time.Hour, 10)
	var wg sync.WaitGroup
	got := make([]*Session, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Get(context.Background(), "gemini-2.5-pro", "room-1")
			require.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range got[1:] {
		require.Same(t, got[0], s)
	}
	require.Equal(t, 1, c.Len())
}

func TestSessionCache_KeyedByModelAndRoom(t *testing.T) {
	c := NewSessionCache(time.Hour, 10)
	ctx := context.Background()
	a, _ := c.Get(ctx, "m1", "r")
	b, _ := c.Get(ctx, "m2", "r")
	d, _ := c.Get(ctx, "m1", "r2")
	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.ID, d.ID)
	require.Equal(t, 3, c.Len())
}

func TestSessionCache_BoundedCapacity(t *testing.T) {
	c := NewSessionCache(time.Hour, 2)
	ctx := context.Background()
	for _, room := range []string{"a", "b", "c"} {
		_, err := c.Get(ctx, "m", room)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Len())
}

func TestSession_RemembersOnlyResolvedAttachments(t *testing.T) {
	c := NewSessionCache(time.Hour, 2)
	s, _ := c.Get(context.Background(), "m", "r")

	s.RememberAttachment("placeholder", Part{Text: "[not ready]"})
	_, ok := s.Attachment("placeholder")
	require.False(t, ok)

	s.RememberAttachment("f1", Part{FileURI: "https://files/f1", MimeType: "image/png"})
	p, ok := s.Attachment("f1")
	require.True(t, ok)
	require.Equal(t, "https://files/f1", p.FileURI)
}
