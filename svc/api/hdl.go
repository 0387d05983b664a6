package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"secureshare/cfg"
	"secureshare/pkg/domain"
	"secureshare/svc/lim"
	"secureshare/svc/svc"
	"secureshare/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

type Hdl struct {
	secrets *svc.Secrets
	users   *svc.Users
	cfg     *cfg.Cfg
}

type CreateReq struct {
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Content         string     `json:"content"`
	ContentKind     string     `json:"content_kind,omitempty"`
	FileName        string     `json:"file_name,omitempty"`
	Password        string     `json:"password,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DeleteAfterView bool       `json:"delete_after_view,omitempty"`
	MaxViews        *int       `json:"max_views,omitempty"`
	IsPublic        bool       `json:"is_public,omitempty"`
}

type UpdateReq struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Content     *string    `json:"content,omitempty"`
	Password    *string    `json:"password,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	MaxViews    *int       `json:"max_views,omitempty"`
	IsPublic    *bool      `json:"is_public,omitempty"`
}

func (h *Hdl) CreateSecret(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	var req CreateReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		log.Warn().Msg("empty content")
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxContentSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		log.Warn().Time("expires_at", *req.ExpiresAt).Msg("expiry in the past")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	userID := userIDFrom(r.Context())
	ip := lim.GetRealIP(r, h.cfg.TrustedProxies)
	params := domain.CreateParams{
		Title:           sanitizeContent(req.Title),
		Description:     sanitizeContent(req.Description),
		Content:         sanitizeContent(req.Content),
		ContentKind:     req.ContentKind,
		FileName:        sanitizeContent(req.FileName),
		Password:        req.Password,
		ExpiresAt:       req.ExpiresAt,
		DeleteAfterView: req.DeleteAfterView,
		MaxViews:        req.MaxViews,
		IsPublic:        req.IsPublic,
	}
	sec, err := h.secrets.Create(r.Context(), userID, ip, params)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create secret")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("secret_id", sec.ID).
		Bool("password_protected", sec.HasPassword()).
		Bool("one_time", sec.DeleteAfterView).
		Msg("secret created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sec)
}

func (h *Hdl) GetSecret(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	// ?content=false serves the cached projection without consuming a view.
	if r.URL.Query().Get("content") == "false" {
		meta, err := h.secrets.Metadata(r.Context(), id)
		if err != nil {
			writeErr(w, err, requestID)
			return
		}
		json.NewEncoder(w).Encode(meta)
		return
	}

	password := r.Header.Get("X-Secret-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	ip := lim.GetRealIP(r, h.cfg.TrustedProxies)
	sec, err := h.secrets.Access(r.Context(), id, svc.AccessParams{
		Password:  password,
		UserID:    userIDFrom(r.Context()),
		IP:        ip,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassword) {
			log.Warn().
				Str("secret_id", id).
				Str("client_ip", util.RedactIP(ip)).
				Msg("failed password attempt")
		} else {
			log.Warn().Err(err).Str("secret_id", id).Msg("access denied")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("secret_id", id).
		Str("client_ip", util.RedactIP(ip)).
		Int("views", sec.CurrentViews).
		Msg("secret retrieved")
	json.NewEncoder(w).Encode(sec)
}

func (h *Hdl) UpdateSecret(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	var req UpdateReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	params := domain.UpdateParams{
		Title:       sanitizePtr(req.Title),
		Description: sanitizePtr(req.Description),
		Content:     sanitizePtr(req.Content),
		Password:    req.Password,
		ExpiresAt:   req.ExpiresAt,
		MaxViews:    req.MaxViews,
		IsPublic:    req.IsPublic,
	}
	sec, err := h.secrets.Update(r.Context(), id, userIDFrom(r.Context()), params)
	if err != nil {
		log.Warn().Err(err).Str("secret_id", id).Msg("update failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(sec)
}

func (h *Hdl) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.secrets.Delete(r.Context(), id, userIDFrom(r.Context())); err != nil {
		log.Warn().Err(err).Str("secret_id", id).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// SecretStats reports the access-log count for an owned secret.
func (h *Hdl) SecretStats(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	count, err := h.secrets.AccessCount(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"secret_id": id, "access_count": count})
}

func (h *Hdl) ListSecrets(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	list, err := h.secrets.List(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"secrets": list})
}

// decodeJSON enforces request hygiene: JSON content type,
// honest Content-Length, no compression, bounded body, no unknown fields.
func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}

	limit := h.cfg.MaxContentSize * 2
	clHeader := r.Header.Get("Content-Length")
	if clHeader == "" {
		log.Warn().Msg("missing Content-Length")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	cl, err := strconv.ParseInt(clHeader, 10, 64)
	if err != nil || cl < 0 {
		log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	if cl > limit {
		log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return false
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request body")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	if rle, ok := err.(*domain.RateLimitErr); ok {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.Reset.Unix(), 10))
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
	}
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"code":       domain.ToResp(err).Error.Code,
		"request_id": requestID,
	})
}

func sanitizePtr(s *string) *string {
	if s == nil {
		return nil
	}
	out := sanitizeContent(*s)
	return &out
}

func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
