package test

import (
	"context"
	"testing"
	"time"

	"secureshare/pkg/domain"

	"github.com/pkg/errors"
)

func TestCleanupExpiredRespectsRetention(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	longGone := &domain.Secret{
		ID: "longgone", Content: "a", ContentKind: domain.KindText,
		ExpiresAt: &old, IsActive: true,
		CreatedAt: old, UpdatedAt: old, CreatedByID: "owner-1",
	}
	justExpired := &domain.Secret{
		ID: "recent01", Content: "b", ContentKind: domain.KindText,
		ExpiresAt: &recent, IsActive: true,
		CreatedAt: recent, UpdatedAt: recent, CreatedByID: "owner-1",
	}
	softDeleted := &domain.Secret{
		ID: "softdel1", Content: "c", ContentKind: domain.KindText,
		IsActive: true,
		CreatedAt: old, UpdatedAt: old, CreatedByID: "owner-1",
	}
	for _, sec := range []*domain.Secret{longGone, justExpired, softDeleted} {
		if err := stack.db.CreateSecret(ctx, sec); err != nil {
			t.Fatal(err)
		}
	}
	if err := stack.db.Deactivate(ctx, softDeleted.ID); err != nil {
		t.Fatal(err)
	}

	deleted, err := stack.db.CleanupExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := stack.db.GetSecret(ctx, longGone.ID); !errors.Is(err, domain.ErrSecretNotFound) {
		t.Errorf("long-expired row should be gone, got %v", err)
	}
	if _, err := stack.db.GetSecret(ctx, justExpired.ID); err != nil {
		t.Errorf("row inside retention should survive: %v", err)
	}
	if _, err := stack.db.GetSecret(ctx, softDeleted.ID); err != nil {
		t.Errorf("soft-deleted row without expiry should survive: %v", err)
	}
}
