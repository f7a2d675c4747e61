package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxMessageSize = 64 << 10
	sendBuffer     = 256

	// Inbound sync_request rate per connection.
	syncRequestEvery = time.Second
	syncRequestBurst = 5
)

// Client is one authenticated websocket connection of a user's device.
type Client struct {
	ID       string
	UserID   string
	DeviceID string
	Conn     *websocket.Conn
	Manager  *Manager
	Send     chan []byte

	syncLimit *rate.Limiter
}

func NewClient(id, userID, deviceID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:        id,
		UserID:    userID,
		DeviceID:  deviceID,
		Conn:      conn,
		Manager:   manager,
		Send:      make(chan []byte, sendBuffer),
		syncLimit: rate.NewLimiter(rate.Every(syncRequestEvery), syncRequestBurst),
	}
}

// DecodeFrame reads every message in one text frame. Messages may follow
// each other directly or be separated by whitespace.
func DecodeFrame(frame []byte) ([]*Message, error) {
	var out []*Message
	dec := json.NewDecoder(bytes.NewReader(frame))
	for {
		var msg Message
		err := dec.Decode(&msg)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode message %d: %w", len(out)+1, err)
		}
		if msg.Type == "" {
			return out, fmt.Errorf("message %d has no type", len(out)+1)
		}
		out = append(out, &msg)
	}
}

// ReadPump decodes inbound frames until the connection fails. Pings are
// answered here; sync requests are rate limited and handed to the manager.
func (c *Client) ReadPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		kind, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.log.WithError(err).WithField("client_id", c.ID).Warn("connection closed unexpectedly")
			}
			return
		}
		if kind != websocket.TextMessage {
			c.replyError("binary frames are not supported")
			continue
		}
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch routes the messages of one frame. It reports false once the
// manager has stopped.
func (c *Client) dispatch(frame []byte) bool {
	msgs, err := DecodeFrame(frame)
	if err != nil {
		c.Manager.log.WithError(err).WithField("client_id", c.ID).Debug("malformed frame")
		c.replyError("malformed message")
	}

	for _, msg := range msgs {
		switch msg.Type {
		case TypePing:
			c.reply(TypePong, nil)
			continue
		case TypeSyncRequest:
			if !c.syncLimit.Allow() {
				c.replyError("sync requests too frequent")
				continue
			}
		}

		select {
		case c.Manager.HandleMessage <- &ClientMessage{Client: c, Message: msg}:
		case <-c.Manager.done:
			return false
		}
	}
	return true
}

// reply queues msgType for this client only, dropping it when the buffer
// is full.
func (c *Client) reply(msgType MessageType, payload interface{}) {
	if err := c.Manager.SendToClient(c, mustMessage(msgType, payload)); err != nil {
		c.Manager.log.WithError(err).WithField("type", msgType).Warn("reply not sent")
	}
}

func (c *Client) replyError(text string) {
	c.reply(TypeError, &ErrorPayload{Error: text})
}

func mustMessage(msgType MessageType, payload interface{}) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		msg, _ = NewMessage(TypeError, &ErrorPayload{Error: err.Error()})
	}
	return msg
}

// WritePump writes each queued message as its own text frame and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Manager.log.WithError(err).WithField("client_id", c.ID).Debug("write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
