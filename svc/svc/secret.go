package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"secureshare/cfg"
	"secureshare/metrics"
	"secureshare/pkg/domain"
	"secureshare/svc/auth"
	"secureshare/svc/cache"
	"secureshare/svc/db"
	"secureshare/svc/lim"
	"secureshare/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Secrets is the cache-aside secret service. Reads try the in-process LRU,
// then Redis, then SQLite; writes go to SQLite first and the caches second,
// so a cache failure can stale a read but never lose a write.
type Secrets struct {
	db          *db.SQLite
	lru         *cache.LRU
	rdb         *db.Redis
	hasher      *auth.Hasher
	lim         *lim.Limiter
	cfg         *cfg.Cfg
	loadGroup   singleflight.Group
	auditQueue  chan auditJob
	auditWg     sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
}

// AccessParams describes one view attempt.
type AccessParams struct {
	Password  string
	UserID    string
	IP        string
	UserAgent string
}

func NewSecrets(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, limiter *lim.Limiter, c *cfg.Cfg) *Secrets {
	if sqlDB == nil || lru == nil || h == nil || limiter == nil || c == nil {
		panic("secrets service: nil dependency (sqlDB, lru, hasher, limiter, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())

	workers := c.AuditWorkerCount
	if workers <= 0 {
		workers = 4
	}
	s := &Secrets{
		db:          sqlDB,
		lru:         lru,
		rdb:         rdb,
		hasher:      h,
		lim:         limiter,
		cfg:         c,
		auditQueue:  make(chan auditJob, workers*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	s.startAuditWorkers(workers)
	return s
}

// Shutdown drains in-flight operations before closing the audit queue, so no
// request can enqueue on a closed channel.
func (s *Secrets) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	close(s.auditQueue)
	done := make(chan struct{})
	go func() {
		s.auditWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("audit workers didn't stop in time")
	}
	s.shutdownFn()
	util.Debug().Msg("secrets service shutdown complete")
}

func (s *Secrets) verify(password, hash string) (bool, error) {
	return s.hasher.Verify(password, hash)
}

// Create stores a new secret and warms both cache tiers. The rate limit runs
// as a composite check: the caller's IP first, then the owning user at twice
// the per-IP limit.
func (s *Secrets) Create(ctx context.Context, userID, ip string, params domain.CreateParams) (*domain.Secret, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	if res := s.lim.CheckComposite(ctx, lim.PolicyCreateSecret, ip, userID); !res.Allowed {
		return nil, domain.NewRateLimitErr(res.Limit, res.RetryAfter(time.Now()), res.Reset)
	}

	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > s.cfg.MaxContentSize {
		return nil, domain.ErrContentTooLarge
	}
	kind := params.ContentKind
	if kind == "" {
		kind = domain.KindText
	}
	if kind != domain.KindText && kind != domain.KindFile {
		return nil, domain.ErrInvalidRequest
	}
	if params.MaxViews != nil && *params.MaxViews < 1 {
		return nil, domain.ErrInvalidRequest
	}

	id, err := util.GenID(func(id string) (bool, error) {
		return s.db.Exists(ctx, id)
	})
	if err != nil {
		return nil, domain.ErrIDGenerationFailed
	}

	var pwHash string
	if params.Password != "" {
		pwHash, err = s.hasher.Hash(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}

	now := time.Now()
	sec := &domain.Secret{
		ID:              id,
		Title:           params.Title,
		Description:     params.Description,
		Content:         params.Content,
		ContentKind:     kind,
		FileName:        params.FileName,
		PasswordHash:    pwHash,
		ExpiresAt:       params.ExpiresAt,
		DeleteAfterView: params.DeleteAfterView,
		MaxViews:        params.MaxViews,
		CurrentViews:    0,
		IsActive:        true,
		IsPublic:        params.IsPublic,
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedByID:     userID,
	}
	if err := s.db.CreateSecret(ctx, sec); err != nil {
		return nil, errors.Wrap(err, "create secret")
	}
	s.cacheSecret(ctx, sec)
	s.invalidateList(ctx, userID)
	s.logEvent(id, userID, "create")
	metrics.SecretCreated.Inc()
	return sec, nil
}

// cacheSecret writes the metadata projection to both tiers and the content
// to Redis under its own shorter TTL. Failures are logged, never returned:
// the store write already succeeded.
func (s *Secrets) cacheSecret(ctx context.Context, sec *domain.Secret) {
	meta := sec.Metadata()
	s.lru.Set(ctx, meta, s.cfg.MetadataTTL)
	if s.rdb == nil {
		return
	}
	if err := s.rdb.CacheMetadata(ctx, meta, s.cfg.MetadataTTL); err != nil {
		util.Warn().Err(err).Str("id", sec.ID).Msg("failed to cache metadata")
	}
	if sec.Content != "" {
		if err := s.rdb.CacheContent(ctx, sec.ID, sec.Content, s.cfg.ContentTTL); err != nil {
			util.Warn().Err(err).Str("id", sec.ID).Msg("failed to cache content")
		}
	}
}

func (s *Secrets) evictSecret(ctx context.Context, id string) {
	s.lru.Delete(id)
	if s.rdb != nil {
		if err := s.rdb.DeleteSecret(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to evict from redis")
		}
	}
}

func (s *Secrets) invalidateList(ctx context.Context, userID string) {
	if s.rdb == nil || userID == "" {
		return
	}
	if err := s.rdb.InvalidateUserList(ctx, userID); err != nil {
		util.Warn().Err(err).Str("user_id", userID).Msg("failed to invalidate user list")
	}
}

// getCachedMeta checks the LRU, then Redis. A Redis error degrades to a miss.
func (s *Secrets) getCachedMeta(ctx context.Context, id string) *domain.SecretMetadata {
	if m := s.lru.Get(ctx, id); m != nil {
		metrics.CacheHits.Inc()
		return m
	}
	if s.rdb == nil {
		return nil
	}
	m, err := s.rdb.GetMetadata(ctx, id)
	if err != nil {
		util.Warn().Err(err).Str("id", id).Msg("redis metadata read failed")
		return nil
	}
	if m == nil {
		return nil
	}
	metrics.CacheHits.Inc()
	s.lru.Set(ctx, m, s.cfg.MetadataTTL)
	return m
}

// loadFromStore reads the authoritative row and repopulates the caches.
// Concurrent loads for the same id collapse into one query. Misses are not
// cached; a later create under the same id must be visible immediately.
func (s *Secrets) loadFromStore(ctx context.Context, id string) (*domain.Secret, error) {
	v, err, _ := s.loadGroup.Do(id, func() (interface{}, error) {
		sec, err := s.db.GetSecret(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheSecret(ctx, sec)
		return sec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Secret), nil
}

// Metadata returns the cacheable projection of a secret without touching its
// view count. Used for the metadata endpoint and share previews.
func (s *Secrets) Metadata(ctx context.Context, id string) (*domain.SecretMetadata, error) {
	if m := s.getCachedMeta(ctx, id); m != nil {
		return m, nil
	}
	metrics.CacheMisses.Inc()
	sec, err := s.loadFromStore(ctx, id)
	if err != nil {
		return nil, err
	}
	return sec.Metadata(), nil
}

// Access runs one view attempt: rate limit, ordered access checks, then the
// grant side effects. Password checks and the maxViews gate always run
// against a fresh store read; cached metadata carries no password hash and
// its view count may trail the store.
func (s *Secrets) Access(ctx context.Context, id string, p AccessParams) (*domain.Secret, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	if res := s.lim.Check(ctx, lim.PolicyViewSecret, "ip:"+p.IP); !res.Allowed {
		return nil, domain.NewRateLimitErr(res.Limit, res.RetryAfter(time.Now()), res.Reset)
	}

	sec, err := s.loadForAccess(ctx, id)
	if err != nil {
		return nil, err
	}

	dec, err := domain.EvaluateAccess(sec, time.Now(), p.Password, s.verify)
	if err != nil {
		return nil, errors.Wrap(err, "evaluate access")
	}
	if !dec.Granted() {
		if e, ok := dec.Denial.(*domain.Err); ok {
			metrics.AccessDenied.WithLabelValues(e.Code).Inc()
		}
		return nil, dec.Denial
	}

	newViews, err := s.db.IncrViews(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "increment views")
	}
	sec.CurrentViews = newViews

	if dec.Deactivate {
		sec.IsActive = false
		if err := s.db.Deactivate(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to deactivate one-time secret")
		}
		s.evictSecret(ctx, id)
		s.invalidateList(ctx, sec.CreatedByID)
	} else {
		s.lru.Set(ctx, sec.Metadata(), s.cfg.MetadataTTL)
		if s.rdb != nil {
			if err := s.rdb.CacheMetadata(ctx, sec.Metadata(), s.cfg.MetadataTTL); err != nil {
				util.Warn().Err(err).Str("id", id).Msg("failed to refresh cached metadata")
			}
		}
	}

	s.logAccess(id, p.UserID, p.IP, p.UserAgent)
	metrics.SecretViewed.Inc()
	return sec, nil
}

// loadForAccess returns a secret suitable for access evaluation. Cached
// copies serve only ungated secrets: anything with a password or a view
// limit is re-read from the store so the evaluation sees the real hash and
// the real count.
func (s *Secrets) loadForAccess(ctx context.Context, id string) (*domain.Secret, error) {
	meta := s.getCachedMeta(ctx, id)
	if meta != nil && !meta.HasPassword && meta.MaxViews == nil && s.rdb != nil {
		content, found, err := s.rdb.GetContent(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis content read failed")
		} else if found {
			return meta.Restore(content), nil
		}
	}
	metrics.CacheMisses.Inc()
	return s.loadFromStore(ctx, id)
}

// Update applies owner edits. Absent rows and rows owned by someone else
// both come back as not found.
func (s *Secrets) Update(ctx context.Context, id, userID string, params domain.UpdateParams) (*domain.Secret, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	sec, err := s.db.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	if sec.CreatedByID != userID || !sec.IsActive {
		return nil, domain.ErrSecretNotFound
	}

	if params.Title != nil {
		sec.Title = *params.Title
	}
	if params.Description != nil {
		sec.Description = *params.Description
	}
	if params.Content != nil {
		if *params.Content == "" {
			return nil, domain.ErrContentRequired
		}
		if int64(len(*params.Content)) > s.cfg.MaxContentSize {
			return nil, domain.ErrContentTooLarge
		}
		sec.Content = *params.Content
	}
	if params.Password != nil {
		if *params.Password == "" {
			sec.PasswordHash = ""
		} else {
			hash, err := s.hasher.Hash(*params.Password)
			if err != nil {
				return nil, errors.Wrap(err, "hash password")
			}
			sec.PasswordHash = hash
		}
	}
	if params.ExpiresAt != nil {
		sec.ExpiresAt = params.ExpiresAt
	}
	if params.MaxViews != nil {
		if *params.MaxViews < 1 {
			return nil, domain.ErrInvalidRequest
		}
		sec.MaxViews = params.MaxViews
	}
	if params.IsPublic != nil {
		sec.IsPublic = *params.IsPublic
	}
	sec.UpdatedAt = time.Now()

	if err := s.db.UpdateOwned(ctx, id, userID, sec); err != nil {
		return nil, err
	}
	s.cacheSecret(ctx, sec)
	s.invalidateList(ctx, userID)
	s.logEvent(id, userID, "update")
	return sec, nil
}

// Delete deactivates an owned secret. Same not-found contract as Update.
func (s *Secrets) Delete(ctx context.Context, id, userID string) error {
	if s.shutdown.Load() {
		return errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	if err := s.db.DeactivateOwned(ctx, id, userID); err != nil {
		return err
	}
	s.evictSecret(ctx, id)
	s.invalidateList(ctx, userID)
	s.logEvent(id, userID, "delete")
	util.Info().Str("id", id).Msg("secret deleted by owner")
	return nil
}

// List returns the owner's active secrets, list-cached in Redis.
func (s *Secrets) List(ctx context.Context, userID string) ([]*domain.SecretMetadata, error) {
	if s.rdb != nil {
		list, err := s.rdb.GetUserList(ctx, userID)
		if err != nil {
			util.Warn().Err(err).Str("user_id", userID).Msg("redis list read failed")
		} else if list != nil {
			metrics.CacheHits.Inc()
			return list, nil
		}
	}
	metrics.CacheMisses.Inc()
	list, err := s.db.ListByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.rdb != nil {
		if err := s.rdb.CacheUserList(ctx, userID, list, s.cfg.ListTTL); err != nil {
			util.Warn().Err(err).Str("user_id", userID).Msg("failed to cache user list")
		}
	}
	return list, nil
}

// AccessCount reports how many access-log rows exist for an owned secret.
func (s *Secrets) AccessCount(ctx context.Context, id, userID string) (int, error) {
	sec, err := s.db.GetSecret(ctx, id)
	if err != nil {
		return 0, err
	}
	if sec.CreatedByID != userID {
		return 0, domain.ErrSecretNotFound
	}
	return s.db.CountAccessLogs(ctx, id)
}
