package api

import (
	"encoding/json"
	"net/http"

	"secureshare/pkg/domain"
	"secureshare/svc/lim"
	"secureshare/svc/util"

	"github.com/rs/zerolog/hlog"
)

type RegisterReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResp struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	var req RegisterReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	ip := lim.GetRealIP(r, h.cfg.TrustedProxies)
	user, err := h.users.Register(r.Context(), req.Email, req.Password, ip)
	if err != nil {
		log.Warn().Err(err).Msg("registration failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("user_id", user.ID).Msg("user registered")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	var req LoginReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	ip := lim.GetRealIP(r, h.cfg.TrustedProxies)
	user, token, err := h.users.Login(r.Context(), req.Email, req.Password, ip)
	if err != nil {
		log.Warn().
			Str("client_ip", util.RedactIP(ip)).
			Msg("login failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(LoginResp{Token: token, User: user})
}

func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	h.users.Logout(r.Context(), bearerToken(r))
	json.NewEncoder(w).Encode(map[string]string{"status": "logged out"})
}
