package svc

import (
	"context"
	"secureshare/pkg/domain"
	"secureshare/svc/util"
	"time"
)

// auditJob carries one access-log entry and/or one audit event to the async
// writer pool. Writes are best effort: a full queue drops the job with a
// warning rather than stalling the request path.
type auditJob struct {
	access *domain.AccessLogEntry
	event  *domain.AuditEvent
}

func (s *Secrets) startAuditWorkers(n int) {
	for i := 0; i < n; i++ {
		s.auditWg.Add(1)
		go s.auditWorker()
	}
}

func (s *Secrets) auditWorker() {
	defer s.auditWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("auditWorker panicked")
		}
	}()
	for job := range s.auditQueue {
		ctx, cancel := context.WithTimeout(s.shutdownCtx, 5*time.Second)
		if job.access != nil {
			if err := s.db.InsertAccessLog(ctx, job.access); err != nil {
				util.Warn().Err(err).Str("secret_id", job.access.SecretID).Msg("failed to write access log")
			}
		}
		if job.event != nil {
			if err := s.db.InsertAuditEvent(ctx, job.event); err != nil {
				util.Warn().Err(err).Str("secret_id", job.event.SecretID).Msg("failed to write audit event")
			}
		}
		cancel()
	}
}

func (s *Secrets) enqueueAudit(job auditJob) {
	select {
	case s.auditQueue <- job:
	default:
		util.Warn().Msg("audit queue full, dropping entry")
	}
}

func (s *Secrets) logAccess(secretID, userID, ip, userAgent string) {
	now := time.Now()
	s.enqueueAudit(auditJob{
		access: &domain.AccessLogEntry{
			SecretID:  secretID,
			UserID:    userID,
			IP:        ip,
			UserAgent: userAgent,
			CreatedAt: now,
		},
		event: &domain.AuditEvent{
			SecretID:  secretID,
			UserID:    userID,
			Action:    "view",
			CreatedAt: now,
		},
	})
}

func (s *Secrets) logEvent(secretID, userID, action string) {
	s.enqueueAudit(auditJob{
		event: &domain.AuditEvent{
			SecretID:  secretID,
			UserID:    userID,
			Action:    action,
			CreatedAt: time.Now(),
		},
	})
}
