package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"campo-sync/internal/domain"
	"campo-sync/internal/middleware"
	"campo-sync/internal/service"
	"campo-sync/pkg/response"

	"github.com/go-playground/validator/v10"
)

type QueryHandler struct {
	service  *service.QueryService
	validate *validator.Validate
}

func NewQueryHandler(service *service.QueryService) *QueryHandler {
	return &QueryHandler{
		service:  service,
		validate: validator.New(),
	}
}

// List serves GET /documents?kind=&q=&field=&mode=&sort=&desc=&limit=.
func (h *QueryHandler) List(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	q := domain.Query{
		Kind:   params.Get("kind"),
		SortBy: params.Get("sort"),
	}
	if term := params.Get("q"); term != "" {
		q.Search = &domain.TextSearch{
			Field: params.Get("field"),
			Term:  term,
			Mode:  domain.SearchMode(params.Get("mode")),
		}
	}
	if v := params.Get("desc"); v != "" {
		desc, err := strconv.ParseBool(v)
		if err != nil {
			response.BadRequest(w, "desc must be a boolean")
			return
		}
		q.Descending = desc
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			response.BadRequest(w, "limit must be a number")
			return
		}
		q.Limit = limit
	}

	h.run(w, r, q)
}

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var q domain.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	h.run(w, r, q)
}

func (h *QueryHandler) run(w http.ResponseWriter, r *http.Request, q domain.Query) {
	if err := h.validate.Struct(q); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	docs, err := h.service.Query(r.Context(), middleware.GetPrincipal(r), q)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, docs)
}

func (h *QueryHandler) CreateIndex(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	name, err := h.service.EnsureIndex(r.Context(), req.Fields)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, map[string]any{
		"name":   name,
		"fields": req.Fields,
	})
}

func (h *QueryHandler) ListIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := h.service.Indexes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, indexes)
}
