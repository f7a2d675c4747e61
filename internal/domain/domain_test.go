package domain

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"
)

func TestValidateDate(t *testing.T) {
	tests := []struct {
		name    string
		date    string
		wantErr bool
	}{
		{name: "valid", date: "14-10-2026", wantErr: false},
		{name: "leap day", date: "29-02-2024", wantErr: false},
		{name: "not a leap year", date: "29-02-2025", wantErr: true},
		{name: "iso order", date: "2026-10-14", wantErr: true},
		{name: "single digit day", date: "4-10-2026", wantErr: true},
		{name: "month out of range", date: "01-13-2026", wantErr: true},
		{name: "empty", date: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDate(tt.date)
			if tt.wantErr && !errors.Is(err, ErrInvalidDate) {
				t.Errorf("ValidateDate(%q) error = %v, want ErrInvalidDate", tt.date, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateDate(%q) unexpected error = %v", tt.date, err)
			}
		})
	}
}

func TestDateYear(t *testing.T) {
	if got := DateYear("31-12-1999"); got != 1999 {
		t.Errorf("DateYear() = %d, want 1999", got)
	}
	if got := DateYear("bad"); got != 0 {
		t.Errorf("DateYear(bad) = %d, want 0", got)
	}
	if got := FormatDate(time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)); got != "07-03-2026" {
		t.Errorf("FormatDate() = %q, want 07-03-2026", got)
	}
}

func TestSortDates(t *testing.T) {
	dates := []string{"01-02-2026", "31-12-2025", "15-01-2026", "02-01-2026"}
	SortDates(dates)
	want := []string{"31-12-2025", "02-01-2026", "15-01-2026", "01-02-2026"}
	for i := range want {
		if dates[i] != want[i] {
			t.Fatalf("SortDates() = %v, want %v", dates, want)
		}
	}
}

func TestValidatorDayDateTag(t *testing.T) {
	v := NewValidator()

	ok := DeleteNoteRequest{Date: "01-01-2026"}
	if err := v.Struct(ok); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	bad := DeleteNoteRequest{Date: "2026-01-01"}
	if err := v.Struct(bad); err == nil {
		t.Error("expected daydate validation error")
	}
}

func TestStorageErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want StorageKind
	}{
		{name: "path error", err: &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, want: StorageIO},
		{name: "permission", err: fmt.Errorf("write: %w", fs.ErrPermission), want: StorageIO},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: StorageIO},
		{name: "other", err: errors.New("constraint failed"), want: StorageUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := NewStorageError("save", tt.err)
			if se.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", se.Kind, tt.want)
			}
			if !errors.Is(se, tt.err) {
				t.Error("StorageError does not unwrap to cause")
			}
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &RevisionConflictError{Date: "01-01-2026"}
	if !errors.Is(fmt.Errorf("push: %w", err), ErrConflict) {
		t.Error("RevisionConflictError should match ErrConflict")
	}

	cause := errors.New("tag mismatch")
	err = &DecryptError{Date: "01-01-2026", KeyID: "abc", Err: cause}
	if !errors.Is(err, ErrDecrypt) {
		t.Error("DecryptError should match ErrDecrypt")
	}
	if !errors.Is(err, cause) {
		t.Error("DecryptError should unwrap to its cause")
	}
	if errors.Is(err, ErrNoteNotFound) {
		t.Error("DecryptError must not look like a missing note")
	}
}

func TestRemoteNoteEnvelope(t *testing.T) {
	sua := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rn := &RemoteNote{ID: "r1", Date: "02-01-2026", Revision: 4, ServerUpdatedAt: sua, KeyID: "k"}

	env := rn.Envelope()
	if env.RemoteID != "r1" || env.Revision != 4 {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.ServerUpdatedAt == nil || !env.ServerUpdatedAt.Equal(sua) {
		t.Errorf("token = %v, want %v", env.ServerUpdatedAt, sua)
	}

	req := env.PushRequest()
	if req.ServerUpdatedAt == nil || !req.ServerUpdatedAt.Equal(sua) {
		t.Error("push request lost the token")
	}
}
