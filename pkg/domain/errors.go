package domain

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrSecretNotFound     = NewErr("SECRET_NOT_FOUND", "secret not found", http.StatusNotFound)
	ErrSecretExpired      = NewErr("SECRET_EXPIRED", "secret expired", http.StatusGone)
	ErrViewLimitReached   = NewErr("VIEW_LIMIT_REACHED", "secret view limit reached", http.StatusGone)
	ErrSecretInactive     = NewErr("SECRET_INACTIVE", "secret is no longer available", http.StatusGone)
	ErrInvalidPassword    = NewErr("INVALID_PASSWORD", "invalid password", http.StatusUnauthorized)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrContentTooLarge    = NewErr("CONTENT_TOO_LARGE", "content too large", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrEmailTaken         = NewErr("EMAIL_TAKEN", "email already registered", http.StatusConflict)
	ErrInvalidCredentials = NewErr("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized)
	ErrBackendUnavailable = NewErr("BACKEND_UNAVAILABLE", "backend unavailable", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// RateLimitErr is ErrRateLimitExceeded plus the headers a handler needs to
// tell the client when to come back.
type RateLimitErr struct {
	*Err
	Limit             int
	RetryAfterSeconds int
	Reset             time.Time
}

func NewRateLimitErr(limit, retryAfter int, reset time.Time) *RateLimitErr {
	return &RateLimitErr{Err: ErrRateLimitExceeded, Limit: limit, RetryAfterSeconds: retryAfter, Reset: reset}
}

func asErr(err error) (*Err, bool) {
	switch e := err.(type) {
	case *Err:
		return e, true
	case *RateLimitErr:
		return e.Err, true
	}
	switch e := errors.Cause(err).(type) {
	case *Err:
		return e, true
	case *RateLimitErr:
		return e.Err, true
	}
	return nil, false
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
