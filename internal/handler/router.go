package handler

import (
	"net/http"

	"dailyvault/internal/config"
	"dailyvault/internal/middleware"
	"dailyvault/pkg/response"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handlers struct {
	Auth      *AuthHandler
	User      *UserHandler
	Notes     *NoteHandler
	Keyring   *KeyringHandler
	WebSocket *WebSocketHandler
}

// NewRouter mounts the API under /api/v1. Everything except auth, /ws,
// /health and / requires an access token. limiter may be nil.
func NewRouter(h *Handlers, validator middleware.TokenValidator, cors config.CORSConfig, limiter *middleware.RateLimiter, log *logrus.Entry) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORSMiddleware(
		cors.AllowedOrigins,
		cors.AllowedMethods,
		cors.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RateLimitMiddleware(limiter))

	api.HandleFunc("/auth/register", h.Auth.Register).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", h.Auth.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", h.Auth.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/logout", h.Auth.Logout).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(validator))

	protected.HandleFunc("/users/me", h.User.GetMe).Methods("GET", "OPTIONS")
	protected.HandleFunc("/users/me", h.User.UpdateMe).Methods("PUT", "OPTIONS")

	protected.HandleFunc("/notes", h.Notes.Dates).Methods("GET", "OPTIONS")
	protected.HandleFunc("/notes/changes", h.Notes.Changes).Methods("GET", "OPTIONS")
	protected.HandleFunc("/notes/"+DatePattern, h.Notes.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/notes/"+DatePattern, h.Notes.Put).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/notes/"+DatePattern, h.Notes.Delete).Methods("DELETE", "OPTIONS")

	protected.HandleFunc("/keyring", h.Keyring.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/keyring/{keyId}", h.Keyring.Upload).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/keyring/{keyId}/primary", h.Keyring.SetPrimary).Methods("POST", "OPTIONS")

	if h.WebSocket != nil {
		r.HandleFunc("/ws", h.WebSocket.HandleConnection)
	}

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{
		"status":  "healthy",
		"service": "dailyvault-sync",
	})
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]interface{}{
		"message": "DailyVault Sync API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"/api/v1/auth/register":           "POST",
			"/api/v1/auth/login":              "POST",
			"/api/v1/auth/refresh":            "POST",
			"/api/v1/notes":                   "GET (protected)",
			"/api/v1/notes/changes":           "GET (protected)",
			"/api/v1/notes/{date}":            "GET, PUT, DELETE (protected)",
			"/api/v1/keyring":                 "GET (protected)",
			"/api/v1/keyring/{keyId}":         "PUT (protected)",
			"/api/v1/keyring/{keyId}/primary": "POST (protected)",
		},
	})
}
