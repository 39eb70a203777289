package handler

import (
	"encoding/json"
	"net/http"

	"campo-sync/internal/domain"
	"campo-sync/internal/middleware"
	"campo-sync/internal/service"
	"campo-sync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type DocumentHandler struct {
	service  *service.DocumentService
	validate *validator.Validate
}

func NewDocumentHandler(service *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *DocumentHandler) decode(w http.ResponseWriter, r *http.Request) (*domain.PutDocumentRequest, bool) {
	var req domain.PutDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return nil, false
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return nil, false
	}
	return &req, true
}

func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	doc, err := h.service.Create(r.Context(), middleware.GetPrincipal(r), req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, doc)
}

func (h *DocumentHandler) Put(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	doc, err := h.service.Put(r.Context(), middleware.GetPrincipal(r), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, doc)
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Get(r.Context(), middleware.GetPrincipal(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, doc)
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		response.BadRequest(w, "rev query parameter is required")
		return
	}

	tomb, err := h.service.Remove(r.Context(), middleware.GetPrincipal(r), mux.Vars(r)["id"], rev)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]string{
		"id":       tomb.ID,
		"revision": tomb.Revision,
	})
}

func (h *DocumentHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.Conflicts(r.Context(), middleware.GetPrincipal(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, conflicts)
}

func (h *DocumentHandler) AllConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.AllConflicts(r.Context(), middleware.GetPrincipal(r))
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, conflicts)
}

func (h *DocumentHandler) DiscardConflict(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.DiscardConflict(r.Context(), middleware.GetPrincipal(r), vars["id"], vars["rev"]); err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]string{"message": "Conflict discarded"})
}
