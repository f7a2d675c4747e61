package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"dailyvault/internal/domain"
)

type mockNoteRepository struct {
	mu    sync.Mutex
	rows  map[string]*domain.RemoteNote
	revs  map[string]int
	saves int
	// raceOnce simulates another writer committing just before Save.
	raceOnce *domain.RemoteNote
}

func newMockNoteRepository() *mockNoteRepository {
	return &mockNoteRepository{
		rows: make(map[string]*domain.RemoteNote),
		revs: make(map[string]int),
	}
}

func noteKey(userID, date string) string { return userID + "|" + date }

func (m *mockNoteRepository) Get(ctx context.Context, userID, date string) (*domain.RemoteNote, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[noteKey(userID, date)]
	if !ok {
		return nil, "", domain.ErrNoteNotFound
	}
	copied := *row
	return &copied, strconv.Itoa(m.revs[noteKey(userID, date)]), nil
}

func (m *mockNoteRepository) Save(ctx context.Context, note *domain.RemoteNote, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := noteKey(note.UserID, note.Date)

	if m.raceOnce != nil {
		winner := *m.raceOnce
		m.raceOnce = nil
		m.rows[key] = &winner
		m.revs[key]++
	}

	want := ""
	if _, ok := m.rows[key]; ok {
		want = strconv.Itoa(m.revs[key])
	}
	if rev != want {
		return &domain.RevisionConflictError{Date: note.Date}
	}
	copied := *note
	m.rows[key] = &copied
	m.revs[key]++
	m.saves++
	return nil
}

func (m *mockNoteRepository) ListDates(ctx context.Context, userID string, year int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dates := []string{}
	for _, row := range m.rows {
		if row.UserID != userID || row.Deleted {
			continue
		}
		if year > 0 && domain.DateYear(row.Date) != year {
			continue
		}
		dates = append(dates, row.Date)
	}
	domain.SortDates(dates)
	return dates, nil
}

func (m *mockNoteRepository) ChangesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RemoteNote
	for _, row := range m.rows {
		if row.UserID == userID && row.ServerUpdatedAt.After(since) {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerUpdatedAt.Before(out[j].ServerUpdatedAt) })
	return out, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	devices []string
	notes   []*domain.RemoteNote
}

func (r *recordingNotifier) NotifyNoteChange(userID, deviceID string, note *domain.RemoteNote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, deviceID)
	r.notes = append(r.notes, note)
}

var frozen = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newNoteSyncService() (*NoteSyncService, *mockNoteRepository, *recordingNotifier) {
	repo := newMockNoteRepository()
	notifier := &recordingNotifier{}
	svc := NewNoteSyncService(repo, notifier, nil)
	svc.now = func() time.Time { return frozen }
	return svc, repo, notifier
}

func pushReq(date string, token *time.Time) *domain.PushNoteRequest {
	return &domain.PushNoteRequest{
		Date:            date,
		Ciphertext:      "Y2lwaGVy",
		Nonce:           "bm9uY2U=",
		KeyID:           "ab",
		Revision:        1,
		ServerUpdatedAt: token,
	}
}

func TestNoteSyncService_PushInsert(t *testing.T) {
	svc, _, notifier := newNoteSyncService()

	note, err := svc.Push(context.Background(), "user-1", "laptop", pushReq("04-05-2026", nil))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if note.Revision != 1 || note.ID == "" || note.UserID != "user-1" {
		t.Errorf("note = %+v", note)
	}
	if !note.ServerUpdatedAt.Equal(frozen) {
		t.Errorf("server_updated_at = %v, want %v", note.ServerUpdatedAt, frozen)
	}
	if len(notifier.notes) != 1 || notifier.devices[0] != "laptop" {
		t.Errorf("notifications = %v", notifier.devices)
	}
}

func TestNoteSyncService_PushTokenCheck(t *testing.T) {
	svc, _, notifier := newNoteSyncService()
	ctx := context.Background()

	first, err := svc.Push(ctx, "user-1", "laptop", pushReq("04-05-2026", nil))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	stale := first.ServerUpdatedAt.Add(-time.Hour)

	tests := []struct {
		name  string
		token *time.Time
	}{
		{name: "nil token on existing row", token: nil},
		{name: "stale token", token: &stale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Push(ctx, "user-1", "phone", pushReq("04-05-2026", tt.token))
			if !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("Push() error = %v, want conflict", err)
			}
			var conflict *domain.RevisionConflictError
			if !errors.As(err, &conflict) || conflict.Current == nil {
				t.Fatalf("conflict does not carry the current row: %v", err)
			}
			if conflict.Current.Revision != 1 {
				t.Errorf("current revision = %d, want 1", conflict.Current.Revision)
			}
		})
	}

	token := first.ServerUpdatedAt
	second, err := svc.Push(ctx, "user-1", "phone", pushReq("04-05-2026", &token))
	if err != nil {
		t.Fatalf("Push() with fresh token error = %v", err)
	}
	if second.Revision != 2 || second.ID != first.ID {
		t.Errorf("second = %+v", second)
	}
	if !second.ServerUpdatedAt.After(first.ServerUpdatedAt) {
		t.Error("server_updated_at did not advance under a frozen clock")
	}
	if len(notifier.notes) != 2 {
		t.Errorf("notifications = %d, want 2", len(notifier.notes))
	}
}

func TestNoteSyncService_TokenForMissingRow(t *testing.T) {
	svc, _, _ := newNoteSyncService()
	token := frozen

	_, err := svc.Push(context.Background(), "user-1", "", pushReq("05-05-2026", &token))
	var conflict *domain.RevisionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Push() error = %v, want conflict", err)
	}
	if conflict.Current != nil {
		t.Errorf("current = %+v, want nil", conflict.Current)
	}
}

func TestNoteSyncService_StampsMonotonicPerUser(t *testing.T) {
	svc, _, _ := newNoteSyncService()
	ctx := context.Background()

	var last time.Time
	for _, date := range []string{"01-05-2026", "02-05-2026", "03-05-2026"} {
		note, err := svc.Push(ctx, "user-1", "", pushReq(date, nil))
		if err != nil {
			t.Fatalf("Push(%s) error = %v", date, err)
		}
		if !note.ServerUpdatedAt.After(last) {
			t.Errorf("stamp for %s = %v, not after %v", date, note.ServerUpdatedAt, last)
		}
		last = note.ServerUpdatedAt
	}

	changes, err := svc.ChangesSince(ctx, "user-1", frozen)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(changes) != 2 || changes[0].Date != "02-05-2026" {
		t.Errorf("changes since first stamp = %d rows", len(changes))
	}
}

func TestNoteSyncService_Delete(t *testing.T) {
	svc, repo, notifier := newNoteSyncService()
	ctx := context.Background()

	tomb, err := svc.Delete(ctx, "user-1", "laptop", &domain.DeleteNoteRequest{Date: "06-05-2026"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !tomb.Deleted || tomb.Revision != 1 || tomb.Ciphertext != "" {
		t.Errorf("tombstone = %+v", tomb)
	}

	again, err := svc.Delete(ctx, "user-1", "laptop", &domain.DeleteNoteRequest{Date: "06-05-2026"})
	if err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if !again.ServerUpdatedAt.Equal(tomb.ServerUpdatedAt) || repo.saves != 1 {
		t.Error("deleting a tombstone wrote a new row")
	}
	if len(notifier.notes) != 1 || !notifier.notes[0].Deleted {
		t.Errorf("notifications = %+v", notifier.notes)
	}

	got, err := svc.Get(ctx, "user-1", "06-05-2026")
	if err != nil || !got.Deleted {
		t.Errorf("Get() = %+v, %v; want tombstone", got, err)
	}
	dates, _ := svc.Dates(ctx, "user-1", 0)
	if len(dates) != 0 {
		t.Errorf("Dates() = %v, want none", dates)
	}
}

func TestNoteSyncService_DeleteExistingBumpsRevision(t *testing.T) {
	svc, _, _ := newNoteSyncService()
	ctx := context.Background()

	live, _ := svc.Push(ctx, "user-1", "", pushReq("07-05-2026", nil))
	tomb, err := svc.Delete(ctx, "user-1", "", &domain.DeleteNoteRequest{Date: "07-05-2026"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if tomb.Revision != live.Revision+1 || tomb.ID != live.ID {
		t.Errorf("tombstone = %+v, live = %+v", tomb, live)
	}
}

func TestNoteSyncService_ConcurrentWriterConflict(t *testing.T) {
	svc, repo, notifier := newNoteSyncService()
	repo.raceOnce = &domain.RemoteNote{
		ID:              "other",
		UserID:          "user-1",
		Date:            "08-05-2026",
		Revision:        3,
		ServerUpdatedAt: frozen.Add(time.Minute),
	}

	_, err := svc.Push(context.Background(), "user-1", "", pushReq("08-05-2026", nil))
	var conflict *domain.RevisionConflictError
	if !errors.As(err, &conflict) || conflict.Current == nil || conflict.Current.ID != "other" {
		t.Fatalf("Push() error = %v, want conflict carrying the winning row", err)
	}
	if len(notifier.notes) != 0 {
		t.Error("rejected write was broadcast")
	}
}

func TestNoteSyncService_InvalidDate(t *testing.T) {
	svc, _, _ := newNoteSyncService()

	if _, err := svc.Push(context.Background(), "user-1", "", pushReq("2026-05-04", nil)); !errors.Is(err, domain.ErrInvalidDate) {
		t.Errorf("Push() error = %v, want %v", err, domain.ErrInvalidDate)
	}
	if _, err := svc.Get(context.Background(), "user-1", "31-02-2026"); !errors.Is(err, domain.ErrInvalidDate) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrInvalidDate)
	}
}
