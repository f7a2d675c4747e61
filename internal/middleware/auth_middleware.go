package middleware

import (
	"context"
	"net/http"
	"strings"

	"dailyvault/pkg/jwt"
	"dailyvault/pkg/response"
)

type contextKey string

const (
	UserIDKey   contextKey = "userID"
	DeviceIDKey contextKey = "deviceID"
)

// DeviceIDHeader lets clients tag writes so change broadcasts skip them.
const DeviceIDHeader = "X-Device-ID"

type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if info := requestInfoFrom(r.Context()); info != nil {
				info.userID = claims.UserID
			}
			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			if deviceID := r.Header.Get(DeviceIDHeader); deviceID != "" {
				ctx = context.WithValue(ctx, DeviceIDKey, deviceID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(r *http.Request) string {
	userID, ok := r.Context().Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

func GetDeviceID(r *http.Request) string {
	deviceID, _ := r.Context().Value(DeviceIDKey).(string)
	return deviceID
}
