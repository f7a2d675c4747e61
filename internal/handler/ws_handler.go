package handler

import (
	"context"
	"net/http"
	"time"

	"dailyvault/internal/middleware"
	"dailyvault/internal/service"
	"dailyvault/internal/websocket"
	"dailyvault/pkg/logger"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	validator middleware.TokenValidator
	upgrader  ws.Upgrader
	log       *logrus.Entry
}

func NewWebSocketHandler(manager *websocket.Manager, validator middleware.TokenValidator, log *logrus.Entry) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		validator: validator,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.OrDiscard(log).WithField("component", "websocket"),
	}
}

// HandleConnection authenticates with a bearer header or a token query
// parameter, since browsers cannot set headers on websocket requests.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.log.WithError(err).Debug("token validation failed")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	userID := claims.UserID

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get(middleware.DeviceIDHeader)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}

	client := websocket.NewClient(uuid.New().String(), userID, deviceID, conn, h.manager)
	if !h.manager.Add(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers the messages clients send over the socket.
type WebSocketMessageHandler struct {
	manager     *websocket.Manager
	syncService *service.NoteSyncService
	timeout     time.Duration
}

func NewWebSocketMessageHandler(manager *websocket.Manager, syncService *service.NoteSyncService) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		manager:     manager,
		syncService: syncService,
		timeout:     10 * time.Second,
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSyncRequest:
		return h.handleSyncRequest(client, msg)

	default:
		return h.reply(client, websocket.TypeError, &websocket.ErrorPayload{Error: "unknown message type " + string(msg.Type)})
	}
}

func (h *WebSocketMessageHandler) handleSyncRequest(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.SyncRequestPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.reply(client, websocket.TypeError, &websocket.ErrorPayload{Error: "invalid sync request"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	notes, err := h.syncService.ChangesSince(ctx, client.UserID, payload.Since)
	if err != nil {
		return err
	}

	return h.reply(client, websocket.TypeSyncResponse, &websocket.SyncResponsePayload{
		Notes:    notes,
		SyncTime: time.Now().UTC(),
	})
}

func (h *WebSocketMessageHandler) reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	out, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return h.manager.SendToClient(client, out)
}
