package response

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteAndDecode(t *testing.T) {
	type payload struct {
		Date string `json:"date"`
	}

	tests := []struct {
		name        string
		write       func(w http.ResponseWriter)
		wantStatus  int
		wantSuccess bool
		wantError   string
		wantDate    string
	}{
		{
			name:        "success",
			write:       func(w http.ResponseWriter) { Success(w, payload{Date: "01-01-2026"}) },
			wantStatus:  http.StatusOK,
			wantSuccess: true,
			wantDate:    "01-01-2026",
		},
		{
			name:       "not found",
			write:      func(w http.ResponseWriter) { NotFound(w, "note not found") },
			wantStatus: http.StatusNotFound,
			wantError:  "note not found",
		},
		{
			name:       "conflict carries current row",
			write:      func(w http.ResponseWriter) { Conflict(w, "revision conflict", payload{Date: "02-01-2026"}) },
			wantStatus: http.StatusConflict,
			wantError:  "revision conflict",
			wantDate:   "02-01-2026",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var p payload
			env, err := Decode(rec.Body, &p)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.Success != tt.wantSuccess || env.Error != tt.wantError {
				t.Errorf("envelope = %+v", env)
			}
			if p.Date != tt.wantDate {
				t.Errorf("data date = %q, want %q", p.Date, tt.wantDate)
			}
		})
	}
}
