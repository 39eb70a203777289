package handler

import (
	"net/http"

	"campo-sync/internal/service"
	"campo-sync/pkg/response"
)

type ReplicationHandler struct {
	controller *service.ReplicationController
}

func NewReplicationHandler(controller *service.ReplicationController) *ReplicationHandler {
	return &ReplicationHandler{controller: controller}
}

func (h *ReplicationHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.controller.Status())
}

func (h *ReplicationHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	response.Accepted(w, h.controller.Status())
}

func (h *ReplicationHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, h.controller.Status())
}
