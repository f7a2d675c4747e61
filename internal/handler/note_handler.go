package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/middleware"
	"dailyvault/internal/service"
	"dailyvault/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// DatePattern constrains the {date} route variable to DD-MM-YYYY shaped keys.
const DatePattern = `{date:[0-9]{2}-[0-9]{2}-[0-9]{4}}`

type NoteHandler struct {
	service  *service.NoteSyncService
	validate *validator.Validate
}

func NewNoteHandler(service *service.NoteSyncService) *NoteHandler {
	return &NoteHandler{
		service:  service,
		validate: domain.NewValidator(),
	}
}

// Dates serves GET /notes?year=YYYY. Without year every date is listed.
func (h *NoteHandler) Dates(w http.ResponseWriter, r *http.Request) {
	year := 0
	if raw := r.URL.Query().Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 0 || y > 9999 {
			response.BadRequest(w, "Invalid year")
			return
		}
		year = y
	}

	dates, err := h.service.Dates(r.Context(), middleware.GetUserID(r), year)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, &domain.NoteDatesResponse{Dates: dates})
}

// Changes serves GET /notes/changes?since=RFC3339, oldest first.
func (h *NoteHandler) Changes(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			response.BadRequest(w, "Invalid since, expected RFC3339")
			return
		}
		since = t
	}

	notes, err := h.service.ChangesSince(r.Context(), middleware.GetUserID(r), since)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, notes)
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]

	note, err := h.service.Get(r.Context(), middleware.GetUserID(r), date)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, note)
}

// Put serves PUT /notes/{date}. A token mismatch answers 409 with the row
// the server holds.
func (h *NoteHandler) Put(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]

	var req domain.PushNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if req.Date == "" {
		req.Date = date
	}
	if req.Date != date {
		response.BadRequest(w, "Date in body does not match path")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	note, err := h.service.Push(r.Context(), middleware.GetUserID(r), middleware.GetDeviceID(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, note)
}

// Delete serves DELETE /notes/{date}. The body is optional.
func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]

	req := domain.DeleteNoteRequest{Date: date}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	req.Date = date

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	note, err := h.service.Delete(r.Context(), middleware.GetUserID(r), middleware.GetDeviceID(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, note)
}
