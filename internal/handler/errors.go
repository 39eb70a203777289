package handler

import (
	"errors"
	"net/http"

	"campo-sync/internal/domain"
	"campo-sync/internal/service"
	"campo-sync/pkg/response"
)

// writeError maps domain errors onto HTTP statuses. Storage and configuration
// failures are reported without their detail.
func writeError(w http.ResponseWriter, err error) {
	var conflict *service.ConflictError
	switch {
	case errors.As(err, &conflict):
		response.Conflict(w, conflict.Error(), conflict.Current)
	case errors.Is(err, domain.ErrConflict):
		response.Conflict(w, err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		response.ServiceUnavailable(w, err.Error())
	case errors.Is(err, domain.ErrInvalidRemote):
		response.InternalError(w, "remote database is not configured correctly")
	default:
		response.InternalError(w, "local storage failure")
	}
}
