package handler

import (
	"errors"
	"net/http"

	"dailyvault/internal/domain"
	"dailyvault/internal/service"
	"dailyvault/pkg/hash"
	"dailyvault/pkg/response"
)

// writeError maps service errors onto HTTP statuses. Unknown errors are
// reported as 500 without their text.
func writeError(w http.ResponseWriter, err error) {
	var conflict *domain.RevisionConflictError
	switch {
	case errors.As(err, &conflict):
		response.Conflict(w, err.Error(), conflict.Current)
	case errors.Is(err, domain.ErrKeyringEntryExists),
		errors.Is(err, domain.ErrEmailTaken),
		errors.Is(err, domain.ErrUsernameTaken):
		response.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoteNotFound),
		errors.Is(err, domain.ErrKeyringEntryNotFound),
		errors.Is(err, domain.ErrUserNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, domain.ErrInvalidDate),
		errors.Is(err, service.ErrInvalidKeyID),
		errors.Is(err, hash.ErrTooShort),
		errors.Is(err, hash.ErrTooLong):
		response.BadRequest(w, err.Error())
	default:
		response.InternalError(w, "internal server error")
	}
}
