package domain

import (
	"testing"
	"time"
)

func plainVerify(password, hash string) (bool, error) {
	return password == hash, nil
}

func activeSecret() *Secret {
	return &Secret{
		ID:       "abc123",
		Content:  "payload",
		IsActive: true,
	}
}

func TestEvaluateAccess_Grant(t *testing.T) {
	dec, err := EvaluateAccess(activeSecret(), time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !dec.Granted() {
		t.Fatalf("expected grant, got denial %v", dec.Denial)
	}
	if dec.Deactivate {
		t.Error("deactivate should not be set without delete_after_view")
	}
}

func TestEvaluateAccess_Expired(t *testing.T) {
	s := activeSecret()
	past := time.Now().Add(-time.Hour)
	s.ExpiresAt = &past
	s.PasswordHash = "pw"

	// expiry must win even when the supplied password is wrong
	dec, err := EvaluateAccess(s, time.Now(), "wrong", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if dec.Denial != ErrSecretExpired {
		t.Fatalf("expected ErrSecretExpired, got %v", dec.Denial)
	}
}

func TestEvaluateAccess_ViewLimit(t *testing.T) {
	s := activeSecret()
	max := 3
	s.MaxViews = &max
	s.CurrentViews = 3
	dec, err := EvaluateAccess(s, time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if dec.Denial != ErrViewLimitReached {
		t.Fatalf("expected ErrViewLimitReached, got %v", dec.Denial)
	}
}

func TestEvaluateAccess_ViewLimitNotReached(t *testing.T) {
	s := activeSecret()
	max := 3
	s.MaxViews = &max
	s.CurrentViews = 2
	dec, err := EvaluateAccess(s, time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !dec.Granted() {
		t.Fatalf("expected grant at views below max, got %v", dec.Denial)
	}
}

func TestEvaluateAccess_Inactive(t *testing.T) {
	s := activeSecret()
	s.IsActive = false
	dec, err := EvaluateAccess(s, time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if dec.Denial != ErrSecretInactive {
		t.Fatalf("expected ErrSecretInactive, got %v", dec.Denial)
	}
}

func TestEvaluateAccess_Password(t *testing.T) {
	s := activeSecret()
	s.PasswordHash = "abc"

	dec, err := EvaluateAccess(s, time.Now(), "xyz", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if dec.Denial != ErrInvalidPassword {
		t.Fatalf("expected ErrInvalidPassword for wrong password, got %v", dec.Denial)
	}

	dec, err = EvaluateAccess(s, time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if dec.Denial != ErrInvalidPassword {
		t.Fatalf("expected ErrInvalidPassword for missing password, got %v", dec.Denial)
	}

	dec, err = EvaluateAccess(s, time.Now(), "abc", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !dec.Granted() {
		t.Fatalf("expected grant with correct password, got %v", dec.Denial)
	}
}

func TestEvaluateAccess_CheckOrder(t *testing.T) {
	// inactive + exhausted: view limit is checked before the active flag
	s := activeSecret()
	s.IsActive = false
	max := 1
	s.MaxViews = &max
	s.CurrentViews = 1
	dec, err := EvaluateAccess(s, time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if dec.Denial != ErrViewLimitReached {
		t.Fatalf("expected ErrViewLimitReached before ErrSecretInactive, got %v", dec.Denial)
	}
}

func TestEvaluateAccess_DeleteAfterView(t *testing.T) {
	s := activeSecret()
	s.DeleteAfterView = true
	dec, err := EvaluateAccess(s, time.Now(), "", plainVerify)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !dec.Granted() || !dec.Deactivate {
		t.Fatalf("expected grant with deactivate, got %+v", dec)
	}
}

func TestMetadata_HasPassword(t *testing.T) {
	s := activeSecret()
	if s.Metadata().HasPassword {
		t.Error("has_password should be false without a password")
	}
	s.PasswordHash = "$argon2id$..."
	m := s.Metadata()
	if !m.HasPassword {
		t.Error("has_password should be true with a password set")
	}
}
