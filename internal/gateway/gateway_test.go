package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dailyvault/internal/config"
	"dailyvault/internal/domain"
	"dailyvault/internal/handler"
	"dailyvault/internal/keyring"
	"dailyvault/internal/service"
	"dailyvault/internal/syncengine"
	"dailyvault/internal/websocket"
	"dailyvault/pkg/jwt"
	"dailyvault/pkg/logger"
	"dailyvault/pkg/response"
)

var (
	_ syncengine.Gateway  = (*Client)(nil)
	_ keyring.RemoteStore = (*Client)(nil)
)

type memNotes struct {
	mu   sync.Mutex
	rows map[string]*domain.RemoteNote
}

func (m *memNotes) Get(ctx context.Context, userID, date string) (*domain.RemoteNote, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[userID+date]
	if !ok {
		return nil, "", domain.ErrNoteNotFound
	}
	copied := *row
	return &copied, "1", nil
}

func (m *memNotes) Save(ctx context.Context, note *domain.RemoteNote, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *note
	m.rows[note.UserID+note.Date] = &copied
	return nil
}

func (m *memNotes) ListDates(ctx context.Context, userID string, year int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dates := []string{}
	for _, row := range m.rows {
		if row.UserID == userID && !row.Deleted && (year == 0 || domain.DateYear(row.Date) == year) {
			dates = append(dates, row.Date)
		}
	}
	domain.SortDates(dates)
	return dates, nil
}

func (m *memNotes) ChangesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.RemoteNote{}
	for _, row := range m.rows {
		if row.UserID == userID && row.ServerUpdatedAt.After(since) {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerUpdatedAt.Before(out[j].ServerUpdatedAt) })
	return out, nil
}

type memKeyring struct {
	mu      sync.Mutex
	entries []*domain.KeyringEntry
}

func (m *memKeyring) Create(ctx context.Context, entry *domain.KeyringEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserID == entry.UserID && e.KeyID == entry.KeyID {
			return domain.ErrKeyringEntryExists
		}
	}
	copied := *entry
	m.entries = append(m.entries, &copied)
	return nil
}

func (m *memKeyring) List(ctx context.Context, userID string) ([]*domain.KeyringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KeyringEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memKeyring) SetPrimary(ctx context.Context, userID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, e := range m.entries {
		if e.UserID == userID && e.KeyID == keyID {
			found = true
		}
	}
	if !found {
		return domain.ErrKeyringEntryNotFound
	}
	for _, e := range m.entries {
		if e.UserID == userID {
			e.IsPrimary = e.KeyID == keyID
		}
	}
	return nil
}

type stubTokens struct{}

func (stubTokens) ValidateToken(token string) (*jwt.Claims, error) {
	if !strings.HasPrefix(token, "user:") {
		return nil, errors.New("invalid token")
	}
	return &jwt.Claims{UserID: strings.TrimPrefix(token, "user:")}, nil
}

type testServer struct {
	url     string
	manager *websocket.Manager
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	manager := websocket.NewManager(5, time.Second, time.Minute, 30*time.Second, logger.Discard())
	go manager.Run(ctx)

	notes := service.NewNoteSyncService(&memNotes{rows: map[string]*domain.RemoteNote{}}, manager, nil)
	h := &handler.Handlers{
		Auth:      handler.NewAuthHandler(nil, nil),
		User:      handler.NewUserHandler(nil),
		Notes:     handler.NewNoteHandler(notes),
		Keyring:   handler.NewKeyringHandler(service.NewKeyringService(&memKeyring{})),
		WebSocket: handler.NewWebSocketHandler(manager, stubTokens{}, nil),
	}
	cors := config.CORSConfig{AllowedOrigins: "*"}
	srv := httptest.NewServer(handler.NewRouter(h, stubTokens{}, cors, nil, logger.Discard()))
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, manager: manager}
}

func signedIn(url, userID, deviceID string) *Client {
	c := New(Options{BaseURL: url, DeviceID: deviceID, Timeout: 5 * time.Second}, nil)
	c.SetCredentials(Credentials{UserID: userID, AccessToken: "user:" + userID})
	return c
}

func pushRequest(date string, token *time.Time) *domain.PushNoteRequest {
	return &domain.PushNoteRequest{
		Date:            date,
		Ciphertext:      "Y2lwaGVydGV4dA==",
		Nonce:           "bm9uY2Vub25jZTEy",
		KeyID:           strings.Repeat("cd", 32),
		Revision:        1,
		UpdatedAt:       time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		ServerUpdatedAt: token,
	}
}

func TestNotesAgainstServer(t *testing.T) {
	srv := startServer(t)
	c := signedIn(srv.url, "u1", "laptop")
	ctx := context.Background()

	missing, err := c.FetchNoteByDate(ctx, "u1", "01-04-2026")
	if err != nil || missing != nil {
		t.Fatalf("FetchNoteByDate(missing) = %+v, %v; want nil, nil", missing, err)
	}

	first, err := c.PushNote(ctx, "u1", pushRequest("01-04-2026", nil))
	if err != nil {
		t.Fatalf("PushNote() error = %v", err)
	}
	if first.Revision != 1 || first.ID == "" {
		t.Errorf("first = %+v", first)
	}

	_, err = c.PushNote(ctx, "u1", pushRequest("01-04-2026", nil))
	var conflict *domain.RevisionConflictError
	if !errors.Is(err, domain.ErrConflict) || !errors.As(err, &conflict) {
		t.Fatalf("PushNote(stale) error = %v, want conflict", err)
	}
	if conflict.Current == nil || !conflict.Current.ServerUpdatedAt.Equal(first.ServerUpdatedAt) {
		t.Errorf("conflict current = %+v", conflict.Current)
	}

	token := first.ServerUpdatedAt
	second, err := c.PushNote(ctx, "u1", pushRequest("01-04-2026", &token))
	if err != nil || second.Revision != 2 {
		t.Fatalf("PushNote(fresh) = %+v, %v", second, err)
	}

	fetched, err := c.FetchNoteByDate(ctx, "u1", "01-04-2026")
	if err != nil || fetched.Revision != 2 {
		t.Errorf("FetchNoteByDate() = %+v, %v", fetched, err)
	}

	if _, err := c.PushNote(ctx, "u1", pushRequest("02-04-2025", nil)); err != nil {
		t.Fatalf("PushNote() error = %v", err)
	}
	dates, err := c.FetchNoteDates(ctx, "u1", 2026)
	if err != nil || len(dates) != 1 || dates[0] != "01-04-2026" {
		t.Errorf("FetchNoteDates(2026) = %v, %v", dates, err)
	}

	all, err := c.FetchNotesSince(ctx, "u1", time.Time{})
	if err != nil || len(all) != 2 {
		t.Fatalf("FetchNotesSince(zero) = %d rows, %v", len(all), err)
	}
	newer, err := c.FetchNotesSince(ctx, "u1", second.ServerUpdatedAt)
	if err != nil || len(newer) != 1 || newer[0].Date != "02-04-2025" {
		t.Errorf("FetchNotesSince(second) = %+v, %v", newer, err)
	}

	tomb, err := c.DeleteNote(ctx, "u1", &domain.DeleteNoteRequest{Date: "01-04-2026"})
	if err != nil || !tomb.Deleted || tomb.Revision != 3 {
		t.Errorf("DeleteNote() = %+v, %v", tomb, err)
	}
}

func TestKeyringAgainstServer(t *testing.T) {
	srv := startServer(t)
	c := signedIn(srv.url, "u1", "")
	ctx := context.Background()

	entry := &domain.KeyringEntry{
		KeyID:         strings.Repeat("e", 64),
		WrappedDEK:    []byte("wrapped"),
		DEKIV:         make([]byte, 12),
		KDFSalt:       make([]byte, 16),
		KDFIterations: 1000,
		Version:       domain.KeyringEntryVersion,
		IsPrimary:     true,
	}
	if err := c.UploadEntry(ctx, "u1", entry); err != nil {
		t.Fatalf("UploadEntry() error = %v", err)
	}
	if err := c.UploadEntry(ctx, "u1", entry); !errors.Is(err, domain.ErrKeyringEntryExists) {
		t.Errorf("UploadEntry(duplicate) error = %v, want %v", err, domain.ErrKeyringEntryExists)
	}
	if err := c.SetPrimary(ctx, "u1", strings.Repeat("f", 64)); !errors.Is(err, domain.ErrKeyringEntryNotFound) {
		t.Errorf("SetPrimary(unknown) error = %v, want %v", err, domain.ErrKeyringEntryNotFound)
	}
	if err := c.SetPrimary(ctx, "u1", entry.KeyID); err != nil {
		t.Errorf("SetPrimary() error = %v", err)
	}

	entries, err := c.FetchEntries(ctx, "u1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("FetchEntries() = %v, %v", entries, err)
	}
	if !entries[0].IsPrimary || string(entries[0].WrappedDEK) != "wrapped" || entries[0].KDFIterations != 1000 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestAccountChecks(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	anon := New(Options{BaseURL: srv.url}, nil)
	if _, err := anon.FetchNoteDates(ctx, "u1", 0); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("anonymous error = %v, want %v", err, ErrNotSignedIn)
	}

	c := signedIn(srv.url, "u1", "")
	if _, err := c.FetchEntries(ctx, "u2"); !errors.Is(err, ErrWrongAccount) {
		t.Errorf("other account error = %v, want %v", err, ErrWrongAccount)
	}

	bad := New(Options{BaseURL: srv.url}, nil)
	bad.SetCredentials(Credentials{UserID: "u1", AccessToken: "garbage"})
	_, err := bad.FetchNoteDates(ctx, "u1", 0)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusUnauthorized {
		t.Errorf("bad token error = %v, want 401 StatusError", err)
	}

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestRefreshesExpiredAccessToken(t *testing.T) {
	var refreshed atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshed.Add(1)
		response.Success(w, &domain.TokenResponse{AccessToken: "fresh", ExpiresIn: 900})
	})
	mux.HandleFunc("/api/v1/notes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			response.Unauthorized(w, "Invalid or expired token")
			return
		}
		response.Success(w, &domain.NoteDatesResponse{Dates: []string{"03-04-2026"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var saved Credentials
	c := New(Options{BaseURL: srv.URL, OnRefresh: func(creds Credentials) { saved = creds }}, nil)
	c.SetCredentials(Credentials{UserID: "u1", AccessToken: "stale", RefreshToken: "refresh"})

	dates, err := c.FetchNoteDates(context.Background(), "u1", 0)
	if err != nil || len(dates) != 1 {
		t.Fatalf("FetchNoteDates() = %v, %v", dates, err)
	}
	if refreshed.Load() != 1 || saved.AccessToken != "fresh" || saved.RefreshToken != "refresh" {
		t.Errorf("refreshes = %d, saved = %+v", refreshed.Load(), saved)
	}
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		response.Success(w, &domain.LoginResponse{
			User:         &domain.User{ID: "u9", Email: "a@example.com"},
			AccessToken:  "access",
			RefreshToken: "refresh",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL}, nil)
	if _, err := c.Login(context.Background(), &domain.LoginRequest{Email: "a@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if creds := c.Credentials(); creds.UserID != "u9" || creds.AccessToken != "access" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestListenReceivesOtherDevicesChanges(t *testing.T) {
	srv := startServer(t)
	phone := signedIn(srv.url, "u1", "phone")
	laptop := signedIn(srv.url, "u1", "laptop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan websocket.NoteChangedPayload, 4)
	done := make(chan error, 1)
	go func() {
		done <- phone.Listen(ctx, func(p websocket.NoteChangedPayload) { changes <- p })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.manager.GetUserConnections("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := laptop.PushNote(context.Background(), "u1", pushRequest("04-04-2026", nil)); err != nil {
		t.Fatalf("PushNote() error = %v", err)
	}

	select {
	case p := <-changes:
		if p.Date != "04-04-2026" || p.Revision != 1 || p.DeviceID != "laptop" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Listen() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
