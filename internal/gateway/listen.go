package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"dailyvault/internal/websocket"

	ws "github.com/gorilla/websocket"
)

// Listen dials the server websocket and calls onChange for every note
// change broadcast from the user's other devices. It returns when ctx is
// done or the connection drops.
func (c *Client) Listen(ctx context.Context, onChange func(websocket.NoteChangedPayload)) error {
	creds := c.Credentials()
	if creds.AccessToken == "" {
		return ErrNotSignedIn
	}

	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	if c.deviceID != "" {
		header.Set(deviceIDHeader, c.deviceID)
	}

	conn, resp, err := ws.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
			conn.Close()
		case <-stop:
		}
	}()

	c.log.Debug("listening for note changes")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read websocket: %w", err)
		}

		msgs, err := websocket.DecodeFrame(data)
		if err != nil {
			c.log.WithError(err).Debug("skipping malformed message")
		}
		for _, msg := range msgs {
			if msg.Type != websocket.TypeNoteUpdate && msg.Type != websocket.TypeNoteDelete {
				continue
			}
			var payload websocket.NoteChangedPayload
			if err := msg.UnmarshalPayload(&payload); err != nil {
				continue
			}
			onChange(payload)
		}
	}
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if c.deviceID != "" {
		q := u.Query()
		q.Set("device_id", c.deviceID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
