package svc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"secureshare/pkg/domain"
	"secureshare/svc/db"
	"secureshare/svc/util"

	"github.com/pkg/errors"
)

// Sessions maps opaque bearer tokens to user IDs. Redis is the real store;
// the local map exists so a dev instance without Redis still has working
// auth. The local fallback never syncs across processes.
type Sessions struct {
	rdb *db.Redis
	ttl time.Duration

	mu    sync.Mutex
	local map[string]localSession
}

type localSession struct {
	userID    string
	expiresAt time.Time
}

func NewSessions(rdb *db.Redis, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[string]localSession),
	}
}

func (s *Sessions) Create(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "generate session token")
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	if s.rdb != nil {
		if err := s.rdb.SetSession(ctx, token, userID, s.ttl); err != nil {
			return "", errors.Wrap(err, "store session")
		}
		return token, nil
	}

	s.mu.Lock()
	s.pruneLocked(time.Now())
	s.local[token] = localSession{userID: userID, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

// Lookup resolves a token to a user ID. Any failure, including a Redis
// outage, comes back as Unauthorized: sessions fail closed.
func (s *Sessions) Lookup(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}

	if s.rdb != nil {
		userID, err := s.rdb.GetSession(ctx, token)
		if err != nil {
			util.Warn().Err(err).Msg("session lookup failed")
			return "", domain.ErrUnauthorized
		}
		if userID == "" {
			return "", domain.ErrUnauthorized
		}
		return userID, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.local[token]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.local, token)
		return "", domain.ErrUnauthorized
	}
	return entry.userID, nil
}

func (s *Sessions) Destroy(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if s.rdb != nil {
		if err := s.rdb.DeleteSession(ctx, token); err != nil {
			util.Warn().Err(err).Msg("session delete failed")
		}
		return
	}
	s.mu.Lock()
	delete(s.local, token)
	s.mu.Unlock()
}

func (s *Sessions) pruneLocked(now time.Time) {
	if len(s.local) < 1024 {
		return
	}
	for token, entry := range s.local {
		if now.After(entry.expiresAt) {
			delete(s.local, token)
		}
	}
}
