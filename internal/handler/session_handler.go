package handler

import (
	"encoding/json"
	"net/http"

	"campo-sync/internal/domain"
	"campo-sync/internal/service"
	"campo-sync/pkg/response"

	"github.com/go-playground/validator/v10"
)

type SessionHandler struct {
	sessions  *service.SessionService
	validator *validator.Validate
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		validator: validator.New(),
	}
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	session, err := h.sessions.Login(r.Context(), req.Name, req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}

	loginResp, err := h.sessions.IssueToken(session)
	if err != nil {
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, loginResp)
}

// Current reports the active session, or a null session when there is none.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.CurrentSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]any{
		"session": session,
	})
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]string{
		"message": "Logged out successfully",
	})
}
