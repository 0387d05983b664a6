package domain

import (
	"time"
)

// PasswordVerifier compares a supplied password against a stored hash.
// The comparison must be constant time with respect to the hash.
type PasswordVerifier func(password, hash string) (bool, error)

// AccessDecision is the outcome of evaluating one read attempt. When Denial
// is nil the attempt is granted and the caller must apply the side effects:
// persist a view increment, append an access log entry, and deactivate the
// secret when Deactivate is set.
type AccessDecision struct {
	Denial     error
	Deactivate bool
}

func (d *AccessDecision) Granted() bool { return d.Denial == nil }

// EvaluateAccess runs the ordered access checks for a single read attempt.
// Check order is fixed: expiry, view limit, active flag, then password. The
// cheap time and counter comparisons come first so an expired or exhausted
// secret never reveals whether a supplied password was correct.
//
// A denial is final for the attempt; callers may retry with corrected input,
// which re-runs the full evaluation.
func EvaluateAccess(s *Secret, now time.Time, password string, verify PasswordVerifier) (*AccessDecision, error) {
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return &AccessDecision{Denial: ErrSecretExpired}, nil
	}
	if s.MaxViews != nil && s.CurrentViews >= *s.MaxViews {
		return &AccessDecision{Denial: ErrViewLimitReached}, nil
	}
	if !s.IsActive {
		return &AccessDecision{Denial: ErrSecretInactive}, nil
	}
	if s.HasPassword() {
		if password == "" {
			return &AccessDecision{Denial: ErrInvalidPassword}, nil
		}
		match, err := verify(password, s.PasswordHash)
		if err != nil {
			return nil, err
		}
		if !match {
			return &AccessDecision{Denial: ErrInvalidPassword}, nil
		}
	}
	return &AccessDecision{Deactivate: s.DeleteAfterView}, nil
}
