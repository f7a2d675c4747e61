package handler

import (
	"net/http"

	"dailyvault/internal/domain"
	"dailyvault/internal/middleware"
	"dailyvault/internal/service"
	"dailyvault/pkg/response"

	"github.com/go-playground/validator/v10"
)

type UserHandler struct {
	userService *service.UserService
	validator   *validator.Validate
}

func NewUserHandler(userService *service.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
		validator:   domain.NewValidator(),
	}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.userService.GetByID(middleware.GetUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, user)
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateUserRequest
	if !decodeValid(w, r, maxAccountBody, h.validator, &req) {
		return
	}

	user, err := h.userService.UpdateUsername(middleware.GetUserID(r), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, user)
}
