package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/cache"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SessionKey identifies a provider session.
type SessionKey struct {
	Model  string
	RoomID string
}

// Session is per-room provider state reused across turns. It remembers resolved
// attachment parts so files are polled once per room.
type Session struct {
	ID        string
	Key       SessionKey
	CreatedAt time.Time

	mu    sync.Mutex
	files map[string]Part
}

// Attachment returns a previously resolved part for fileID.
func (s *Session) Attachment(fileID string) (Part, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.files[fileID]
	return p, ok
}

// RememberAttachment stores a resolved part. Placeholder text parts are not kept
// so a later turn can retry.
func (s *Session) RememberAttachment(fileID string, p Part) {
	if p.FileURI == "" && len(p.Data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileID] = p
}

// SessionCache hands out one Session per (model, room). Entries expire after the
// TTL, the oldest are evicted past capacity, and concurrent first requests for a
// key share a single creation.
type SessionCache struct {
	lru   *cache.LRU[SessionKey, *Session]
	group singleflight.Group
	now   func() time.Time
}

// NewSessionCache builds a cache holding at most maxEntries sessions for ttl.
func NewSessionCache(ttl time.Duration, maxEntries int) *SessionCache {
	return &SessionCache{
		lru: cache.New[SessionKey, *Session](cache.Config{MaxSize: maxEntries, TTL: ttl}),
		now: time.Now,
	}
}

// Get returns the live session for model and roomID, creating it on first use.
func (c *SessionCache) Get(ctx context.Context, model, roomID string) (*Session, error) {
	key := SessionKey{Model: model, RoomID: roomID}
	if s, ok := c.lru.Get(key); ok {
		return s, nil
	}
	v, err, _ := c.group.Do(model+"\x00"+roomID, func() (any, error) {
		if s, ok := c.lru.Get(key); ok {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := &Session{ID: uuid.NewString(), Key: key, CreatedAt: c.now(), files: make(map[string]Part)}
		c.lru.Set(key, s)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("provider session: %w", err)
	}
	return v.(*Session), nil
}

// Len is the number of cached sessions.
func (c *SessionCache) Len() int { return c.lru.Len() }

// StartJanitor sweeps expired sessions every interval until ctx ends.
func (c *SessionCache) StartJanitor(ctx context.Context, interval time.Duration) {
	c.lru.StartJanitor(ctx, interval, "provider-sessions")
}
