package svc

import (
	"context"
	"strings"
	"time"

	"secureshare/cfg"
	"secureshare/pkg/domain"
	"secureshare/svc/auth"
	"secureshare/svc/db"
	"secureshare/svc/lim"
	"secureshare/svc/util"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Users handles registration and login. Sessions are opaque tokens stored in
// Redis; without Redis they fall back to an in-process map, which is only
// acceptable for single-instance development.
type Users struct {
	db       *db.SQLite
	hasher   *auth.Hasher
	lim      *lim.Limiter
	sessions *Sessions
	cfg      *cfg.Cfg
}

func NewUsers(sqlDB *db.SQLite, h *auth.Hasher, limiter *lim.Limiter, rdb *db.Redis, c *cfg.Cfg) *Users {
	if sqlDB == nil || h == nil || limiter == nil || c == nil {
		panic("users service: nil dependency (sqlDB, hasher, limiter, or cfg)")
	}
	return &Users{
		db:       sqlDB,
		hasher:   h,
		lim:      limiter,
		sessions: NewSessions(rdb, c.SessionTTL),
		cfg:      c,
	}
}

func (u *Users) Sessions() *Sessions { return u.sessions }

// Register creates a user. The burst policy fires first so a scripted signup
// loop is cut off within its first minute.
func (u *Users) Register(ctx context.Context, email, password, ip string) (*domain.User, error) {
	if res := u.lim.CheckBurst(ctx, lim.PolicyRegisterBurst, lim.PolicyRegister, "ip:"+ip); !res.Allowed {
		return nil, domain.NewRateLimitErr(res.Limit, res.RetryAfter(time.Now()), res.Reset)
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !validEmail(email) {
		return nil, domain.ErrInvalidRequest
	}
	if len(password) < 8 {
		return nil, domain.ErrInvalidRequest
	}

	hash, err := u.hasher.Hash(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := u.db.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	util.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login verifies credentials and opens a session. The same error comes back
// for an unknown email and a wrong password; the hasher's dummy-verify path
// keeps the timing of the two indistinguishable.
func (u *Users) Login(ctx context.Context, email, password, ip string) (*domain.User, string, error) {
	if res := u.lim.CheckBurst(ctx, lim.PolicyLoginBurst, lim.PolicyLogin, "ip:"+ip); !res.Allowed {
		return nil, "", domain.NewRateLimitErr(res.Limit, res.RetryAfter(time.Now()), res.Reset)
	}

	email = strings.ToLower(strings.TrimSpace(email))
	user, err := u.db.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a verify anyway so the miss costs as much as a mismatch.
		_, _ = u.hasher.Verify(password, "")
		return nil, "", domain.ErrInvalidCredentials
	}
	match, err := u.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, "", errors.Wrap(err, "verify password")
	}
	if !match {
		return nil, "", domain.ErrInvalidCredentials
	}

	token, err := u.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, "", errors.Wrap(err, "create session")
	}
	// Successful login clears the caller's counter so legitimate users are
	// not locked out by their own earlier typos.
	if err := u.lim.Reset(ctx, lim.PolicyLogin, "ip:"+ip); err != nil {
		util.Warn().Err(err).Msg("failed to reset login counter")
	}
	return user, token, nil
}

func (u *Users) Logout(ctx context.Context, token string) {
	u.sessions.Destroy(ctx, token)
}

func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}
