package handler

import (
	"net/http"

	"dailyvault/internal/domain"
	"dailyvault/internal/middleware"
	"dailyvault/pkg/jwt"
	"dailyvault/pkg/logger"
	"dailyvault/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Authenticator is the account API behind the auth routes.
type Authenticator interface {
	Register(req *domain.RegisterRequest) (*domain.User, error)
	Login(req *domain.LoginRequest) (*domain.LoginResponse, error)
	RefreshToken(req *domain.RefreshTokenRequest) (*domain.TokenResponse, error)
	ValidateToken(token string) (*jwt.Claims, error)
}

// AuthHandler serves the unauthenticated account routes. Passwords and
// tokens never reach the log.
type AuthHandler struct {
	auth      Authenticator
	validator *validator.Validate
	log       *logrus.Entry
}

func NewAuthHandler(auth Authenticator, log *logrus.Entry) *AuthHandler {
	return &AuthHandler{
		auth:      auth,
		validator: domain.NewValidator(),
		log:       logger.OrDiscard(log).WithField("component", "auth_handler"),
	}
}

func (h *AuthHandler) requestLog(r *http.Request) *logrus.Entry {
	return h.log.WithFields(logger.Fields{
		"client_ip": middleware.ClientIP(r),
		"device_id": r.Header.Get(middleware.DeviceIDHeader),
	})
}

// Register creates the account but does not sign it in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !decodeValid(w, r, maxAccountBody, h.validator, &req) {
		return
	}

	user, err := h.auth.Register(&req)
	if err != nil {
		h.requestLog(r).WithError(err).Info("registration refused")
		writeError(w, err)
		return
	}

	response.Created(w, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !decodeValid(w, r, maxAccountBody, h.validator, &req) {
		return
	}

	loginResp, err := h.auth.Login(&req)
	if err != nil {
		h.requestLog(r).WithError(err).Warn("login failed")
		writeError(w, err)
		return
	}

	h.requestLog(r).WithField("user_id", loginResp.User.ID).Info("signed in")
	response.Success(w, loginResp)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshTokenRequest
	if !decodeValid(w, r, maxAccountBody, h.validator, &req) {
		return
	}

	tokenResp, err := h.auth.RefreshToken(&req)
	if err != nil {
		h.requestLog(r).Debug("refresh token rejected")
		writeError(w, err)
		return
	}

	response.Success(w, tokenResp)
}

// Logout always succeeds. Tokens are stateless; a valid bearer token is
// only logged.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := middleware.BearerToken(r); ok {
		if claims, err := h.auth.ValidateToken(token); err == nil {
			h.requestLog(r).WithField("user_id", claims.UserID).Info("signed out")
		}
	}
	response.Success(w, map[string]string{
		"message": "Logged out successfully",
	})
}
