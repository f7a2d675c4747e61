// Package response writes the JSON envelope every API endpoint answers with
// and reads it back on the client side.
package response

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Envelope is Response as seen by a client, with Data left undecoded.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	write(w, statusCode, Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

func Error(w http.ResponseWriter, statusCode int, err string) {
	write(w, statusCode, Response{Success: false, Error: err})
}

// ErrorWithData is an error response that also carries a payload, such as
// the current row in a conflict.
func ErrorWithData(w http.ResponseWriter, statusCode int, err string, data interface{}) {
	write(w, statusCode, Response{Success: false, Error: err, Data: data})
}

func BadRequest(w http.ResponseWriter, err string) {
	Error(w, http.StatusBadRequest, err)
}

func Unauthorized(w http.ResponseWriter, err string) {
	Error(w, http.StatusUnauthorized, err)
}

func Forbidden(w http.ResponseWriter, err string) {
	Error(w, http.StatusForbidden, err)
}

func NotFound(w http.ResponseWriter, err string) {
	Error(w, http.StatusNotFound, err)
}

func Conflict(w http.ResponseWriter, err string, current interface{}) {
	ErrorWithData(w, http.StatusConflict, err, current)
}

func InternalError(w http.ResponseWriter, err string) {
	Error(w, http.StatusInternalServerError, err)
}

// Decode reads an envelope from r and, when v is non-nil and the envelope
// has data, decodes the data into v.
func Decode(r io.Reader, v interface{}) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	if v != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return &env, err
		}
	}
	if !env.Success && env.Error == "" {
		return &env, errors.New("request failed")
	}
	return &env, nil
}
