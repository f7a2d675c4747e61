// Package gateway is the client side of the sync server API. It implements
// the sync engine's remote gateway and the cloud keyring store over HTTP,
// and listens for change notifications over the server websocket.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/pkg/logger"
	"dailyvault/pkg/response"

	"github.com/sirupsen/logrus"
)

const (
	apiPrefix      = "/api/v1"
	deviceIDHeader = "X-Device-ID"
)

var (
	ErrNotSignedIn  = errors.New("not signed in")
	ErrWrongAccount = errors.New("request for a user other than the signed in one")
)

// StatusError is a non-2xx answer the client has no specific mapping for.
type StatusError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.Status, e.Msg)
}

// Credentials are the tokens of the signed in account.
type Credentials struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type Options struct {
	BaseURL  string
	DeviceID string
	Timeout  time.Duration
	// OnRefresh is called with new credentials after an access token refresh
	// so callers can persist them.
	OnRefresh func(Credentials)
}

type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	onRefresh  func(Credentials)
	log        *logrus.Entry

	mu    sync.RWMutex
	creds Credentials
}

func New(opts Options, log *logrus.Entry) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		deviceID: opts.DeviceID,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		onRefresh: opts.OnRefresh,
		log:       logger.OrDiscard(log).WithField("component", "gateway"),
	}
}

func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *Client) checkUser(userID string) error {
	creds := c.Credentials()
	if creds.AccessToken == "" {
		return ErrNotSignedIn
	}
	if userID != creds.UserID {
		return ErrWrongAccount
	}
	return nil
}

func (c *Client) createRequest(ctx context.Context, method, path string, body interface{}, auth bool) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.deviceID != "" {
		req.Header.Set(deviceIDHeader, c.deviceID)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.Credentials().AccessToken)
	}
	return req, nil
}

// call performs one API request and decodes the envelope data into out.
// An expired access token is refreshed once and the request retried.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}, auth bool) (int, *response.Envelope, error) {
	status, env, err := c.send(ctx, method, path, body, out, auth)
	if err == nil && auth && status == http.StatusUnauthorized && c.Credentials().RefreshToken != "" {
		if rerr := c.refresh(ctx); rerr != nil {
			c.log.WithError(rerr).Debug("token refresh failed")
			return status, env, nil
		}
		return c.send(ctx, method, path, body, out, auth)
	}
	return status, env, err
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}, auth bool) (int, *response.Envelope, error) {
	req, err := c.createRequest(ctx, method, path, body, auth)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	env, err := response.Decode(resp.Body, out)
	if err != nil && env == nil {
		// Not an API envelope, e.g. a proxy error page.
		return resp.StatusCode, &response.Envelope{Error: http.StatusText(resp.StatusCode)}, nil
	}
	if err != nil && resp.StatusCode < 300 {
		return resp.StatusCode, env, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, env, nil
}

func statusError(method, path string, status int, env *response.Envelope) error {
	msg := ""
	if env != nil {
		msg = env.Error
	}
	return &StatusError{Method: method, Path: path, Status: status, Msg: msg}
}

func (c *Client) refresh(ctx context.Context) error {
	creds := c.Credentials()

	var tokens domain.TokenResponse
	status, env, err := c.send(ctx, http.MethodPost, "/auth/refresh", &domain.RefreshTokenRequest{RefreshToken: creds.RefreshToken}, &tokens, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError(http.MethodPost, "/auth/refresh", status, env)
	}

	creds.AccessToken = tokens.AccessToken
	c.SetCredentials(creds)
	if c.onRefresh != nil {
		c.onRefresh(creds)
	}
	return nil
}

// Register creates a server account. It does not sign in.
func (c *Client) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error) {
	var user domain.User
	status, env, err := c.call(ctx, http.MethodPost, "/auth/register", req, &user, false)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return &user, nil
	case http.StatusConflict:
		return nil, fmt.Errorf("register: %s", env.Error)
	default:
		return nil, statusError(http.MethodPost, "/auth/register", status, env)
	}
}

// Login signs in and keeps the returned tokens for later requests.
func (c *Client) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	var login domain.LoginResponse
	status, env, err := c.call(ctx, http.MethodPost, "/auth/login", req, &login, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, domain.ErrInvalidCredentials
	}
	if status != http.StatusOK {
		return nil, statusError(http.MethodPost, "/auth/login", status, env)
	}

	c.SetCredentials(Credentials{
		UserID:       login.User.ID,
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
	})
	return &login, nil
}

// Ping checks the server is reachable. It is the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func notePath(date string) string {
	return "/notes/" + url.PathEscape(date)
}

// FetchNoteByDate returns the server row, tombstones included, or nil when
// the server has none.
func (c *Client) FetchNoteByDate(ctx context.Context, userID, date string) (*domain.RemoteNote, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}

	var note domain.RemoteNote
	status, env, err := c.call(ctx, http.MethodGet, notePath(date), nil, &note, true)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &note, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, statusError(http.MethodGet, notePath(date), status, env)
	}
}

func (c *Client) FetchNoteDates(ctx context.Context, userID string, year int) ([]string, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}

	path := "/notes"
	if year > 0 {
		path += "?year=" + strconv.Itoa(year)
	}
	var dates domain.NoteDatesResponse
	status, env, err := c.call(ctx, http.MethodGet, path, nil, &dates, true)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(http.MethodGet, path, status, env)
	}
	return dates.Dates, nil
}

func (c *Client) FetchNotesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}

	path := "/notes/changes"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var notes []*domain.RemoteNote
	status, env, err := c.call(ctx, http.MethodGet, path, nil, &notes, true)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(http.MethodGet, "/notes/changes", status, env)
	}
	return notes, nil
}

// PushNote sends req with its token. A token mismatch returns a
// *domain.RevisionConflictError carrying the server's current row.
func (c *Client) PushNote(ctx context.Context, userID string, req *domain.PushNoteRequest) (*domain.RemoteNote, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}

	var note domain.RemoteNote
	status, env, err := c.call(ctx, http.MethodPut, notePath(req.Date), req, &note, true)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return &note, nil
	case http.StatusConflict:
		conflict := &domain.RevisionConflictError{Date: req.Date}
		if note.Date != "" {
			conflict.Current = &note
		}
		return nil, conflict
	default:
		return nil, statusError(http.MethodPut, notePath(req.Date), status, env)
	}
}

func (c *Client) DeleteNote(ctx context.Context, userID string, req *domain.DeleteNoteRequest) (*domain.RemoteNote, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}

	var note domain.RemoteNote
	status, env, err := c.call(ctx, http.MethodDelete, notePath(req.Date), req, &note, true)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(http.MethodDelete, notePath(req.Date), status, env)
	}
	return &note, nil
}

func (c *Client) FetchEntries(ctx context.Context, userID string) ([]*domain.KeyringEntry, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}

	var ring domain.KeyringResponse
	status, env, err := c.call(ctx, http.MethodGet, "/keyring", nil, &ring, true)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(http.MethodGet, "/keyring", status, env)
	}
	return ring.Entries, nil
}

// UploadEntry appends entry to the cloud keyring. An entry already stored
// under the same key id yields domain.ErrKeyringEntryExists.
func (c *Client) UploadEntry(ctx context.Context, userID string, entry *domain.KeyringEntry) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}

	path := "/keyring/" + url.PathEscape(entry.KeyID)
	body := &domain.UploadKeyringEntryRequest{
		WrappedDEK:    entry.WrappedDEK,
		DEKIV:         entry.DEKIV,
		KDFSalt:       entry.KDFSalt,
		KDFIterations: entry.KDFIterations,
		Version:       entry.Version,
		IsPrimary:     entry.IsPrimary,
	}
	status, env, err := c.call(ctx, http.MethodPut, path, body, nil, true)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return domain.ErrKeyringEntryExists
	default:
		return statusError(http.MethodPut, path, status, env)
	}
}

func (c *Client) SetPrimary(ctx context.Context, userID, keyID string) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}

	path := "/keyring/" + url.PathEscape(keyID) + "/primary"
	status, env, err := c.call(ctx, http.MethodPost, path, nil, nil, true)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return domain.ErrKeyringEntryNotFound
	default:
		return statusError(http.MethodPost, path, status, env)
	}
}
