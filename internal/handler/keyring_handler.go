package handler

import (
	"encoding/json"
	"net/http"

	"dailyvault/internal/domain"
	"dailyvault/internal/middleware"
	"dailyvault/internal/service"
	"dailyvault/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type KeyringHandler struct {
	service  *service.KeyringService
	validate *validator.Validate
}

func NewKeyringHandler(service *service.KeyringService) *KeyringHandler {
	return &KeyringHandler{
		service:  service,
		validate: domain.NewValidator(),
	}
}

func (h *KeyringHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.KeyringEntry{}
	}

	response.Success(w, &domain.KeyringResponse{Entries: entries})
}

// Upload serves PUT /keyring/{keyId}. Entries are never overwritten.
func (h *KeyringHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var req domain.UploadKeyringEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	entry, err := h.service.Upload(r.Context(), middleware.GetUserID(r), mux.Vars(r)["keyId"], &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, entry)
}

func (h *KeyringHandler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["keyId"]

	if err := h.service.SetPrimary(r.Context(), middleware.GetUserID(r), keyID); err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, map[string]string{"primary_key_id": keyID})
}
