package handler

import (
	"net/http"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

type AuthHandler struct {
	authSvc   AuthService
	inviteSvc InviteService
}

func NewAuthHandler(authSvc AuthService, inviteSvc InviteService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, inviteSvc: inviteSvc}
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body service.RegisterInput
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := h.authSvc.Register(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, result)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body service.LoginInput
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := h.authSvc.Login(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *AuthHandler) LegacyLogin(w http.ResponseWriter, r *http.Request) {
	var body service.LoginInput
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := h.authSvc.LegacyLogin(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshTokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RefreshToken == "" {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing refresh token", nil)
		return
	}
	result, err := h.authSvc.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

// Logout is idempotent: unknown or already revoked tokens still succeed.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshTokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.authSvc.Logout(r.Context(), body.RefreshToken); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

// RequestMagicLink always answers 202 so the endpoint cannot be used to
// probe which emails are registered.
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var body service.MagicLinkRequestInput
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.inviteSvc.RequestMagicLink(r.Context(), body); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, map[string]string{"status": "sent_if_registered"})
}

func (h *AuthHandler) ConsumeMagicLink(w http.ResponseWriter, r *http.Request) {
	var body service.ConsumeMagicLinkInput
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := h.inviteSvc.ConsumeMagicLink(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}
