package domain

import (
	"time"
)

const (
	KindText = "text"
	KindFile = "file"
)

// Secret is the shareable content unit. PasswordHash and Content never
// travel through the metadata cache; Metadata() strips them.
type Secret struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Content         string     `json:"content,omitempty"`
	ContentKind     string     `json:"content_kind"`
	FileName        string     `json:"file_name,omitempty"`
	PasswordHash    string     `json:"-"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DeleteAfterView bool       `json:"delete_after_view"`
	MaxViews        *int       `json:"max_views,omitempty"`
	CurrentViews    int        `json:"current_views"`
	IsActive        bool       `json:"is_active"`
	IsPublic        bool       `json:"is_public"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CreatedByID     string     `json:"created_by_id"`
}

func (s *Secret) HasPassword() bool {
	return s.PasswordHash != ""
}

// SecretMetadata is the cacheable projection of a Secret: no content, no
// password material, just a derived HasPassword flag.
type SecretMetadata struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ContentKind     string     `json:"content_kind"`
	FileName        string     `json:"file_name,omitempty"`
	HasPassword     bool       `json:"has_password"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DeleteAfterView bool       `json:"delete_after_view"`
	MaxViews        *int       `json:"max_views,omitempty"`
	CurrentViews    int        `json:"current_views"`
	IsActive        bool       `json:"is_active"`
	IsPublic        bool       `json:"is_public"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CreatedByID     string     `json:"created_by_id"`
}

func (s *Secret) Metadata() *SecretMetadata {
	return &SecretMetadata{
		ID:              s.ID,
		Title:           s.Title,
		Description:     s.Description,
		ContentKind:     s.ContentKind,
		FileName:        s.FileName,
		HasPassword:     s.HasPassword(),
		ExpiresAt:       s.ExpiresAt,
		DeleteAfterView: s.DeleteAfterView,
		MaxViews:        s.MaxViews,
		CurrentViews:    s.CurrentViews,
		IsActive:        s.IsActive,
		IsPublic:        s.IsPublic,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		CreatedByID:     s.CreatedByID,
	}
}

// Restore rebuilds a Secret from cached metadata. Content and PasswordHash
// are not part of the projection and stay empty.
func (m *SecretMetadata) Restore(content string) *Secret {
	return &Secret{
		ID:              m.ID,
		Title:           m.Title,
		Description:     m.Description,
		Content:         content,
		ContentKind:     m.ContentKind,
		FileName:        m.FileName,
		ExpiresAt:       m.ExpiresAt,
		DeleteAfterView: m.DeleteAfterView,
		MaxViews:        m.MaxViews,
		CurrentViews:    m.CurrentViews,
		IsActive:        m.IsActive,
		IsPublic:        m.IsPublic,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		CreatedByID:     m.CreatedByID,
	}
}

type CreateParams struct {
	Title           string
	Description     string
	Content         string
	ContentKind     string
	FileName        string
	Password        string
	ExpiresAt       *time.Time
	DeleteAfterView bool
	MaxViews        *int
	IsPublic        bool
}

// UpdateParams carries owner edits. Nil pointer fields are left untouched.
type UpdateParams struct {
	Title       *string
	Description *string
	Content     *string
	Password    *string
	ExpiresAt   *time.Time
	MaxViews    *int
	IsPublic    *bool
}

// AccessLogEntry is the append-only audit record of one logged access attempt.
type AccessLogEntry struct {
	SecretID  string    `json:"secret_id"`
	UserID    string    `json:"user_id,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditEvent struct {
	SecretID  string    `json:"secret_id"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
