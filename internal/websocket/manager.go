package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ClientMessage is one decoded inbound message and the connection it came on.
type ClientMessage struct {
	Client  *Client
	Message *Message
}

type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	done           chan struct{}
	log            *logrus.Entry
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

func NewManager(maxConnPerUser int, writeWait, pongWait, pingPeriod time.Duration, log *logrus.Entry) *Manager {
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: maxConnPerUser,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		done:           make(chan struct{}),
		log:            logger.OrDiscard(log).WithField("component", "websocket"),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serves registrations and inbound messages until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		m.log.WithField("user_id", client.UserID).Warn("max connections reached")
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true

	m.log.WithFields(logger.Fields{
		"client_id": client.ID,
		"user_id":   client.UserID,
		"device_id": client.DeviceID,
	}).Info("client registered")
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.userIndex[client.UserID], client.ID)

		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}

		close(client.Send)
		m.log.WithField("client_id", client.ID).Info("client unregistered")
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.userIndex = make(map[string]map[string]bool)
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	if m.messageHandler == nil {
		return
	}
	msg := clientMsg.Message
	if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, msg); err != nil {
		m.log.WithError(err).WithField("type", msg.Type).Warn("message handling failed")
	}
}

func (m *Manager) BroadcastToUser(userID string, message *Message, excludeDeviceID string) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for clientID := range m.userIndex[userID] {
		client := m.clients[clientID]
		if excludeDeviceID != "" && client.DeviceID == excludeDeviceID {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			m.log.WithField("client_id", clientID).Warn("send buffer full, closing connection")
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	// Unregister is served by Run, which takes the write lock.
	for _, client := range slow {
		go m.unregister(client)
	}
	return nil
}

// Add and unregister hand a client to Run, giving up once it has stopped.
func (m *Manager) Add(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) unregister(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

// NotifyNoteChange tells the user's other devices that date changed.
func (m *Manager) NotifyNoteChange(userID, deviceID string, note *domain.RemoteNote) {
	msgType := TypeNoteUpdate
	if note.Deleted {
		msgType = TypeNoteDelete
	}
	msg, err := NewMessage(msgType, &NoteChangedPayload{
		Date:            note.Date,
		Revision:        note.Revision,
		ServerUpdatedAt: note.ServerUpdatedAt,
		Deleted:         note.Deleted,
		DeviceID:        deviceID,
	})
	if err != nil {
		m.log.WithError(err).Error("failed to build change message")
		return
	}
	if err := m.BroadcastToUser(userID, msg, deviceID); err != nil {
		m.log.WithError(err).Error("failed to broadcast change")
	}
}

func (m *Manager) SendToClient(client *Client, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if _, exists := m.clients[client.ID]; !exists {
		return nil
	}

	select {
	case client.Send <- messageBytes:
	default:
		m.log.WithField("client_id", client.ID).Warn("send buffer full")
	}

	return nil
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}
