package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/pkg/logger"
)

func startManager(t *testing.T, maxConn int) *Manager {
	t.Helper()
	m := NewManager(maxConn, time.Second, time.Minute, 30*time.Second, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func addClient(t *testing.T, m *Manager, id, userID, deviceID string) *Client {
	t.Helper()
	c := NewClient(id, userID, deviceID, nil, m)
	if !m.Add(c) {
		t.Fatal("Add() = false on a running manager")
	}
	return c
}

func waitConnections(t *testing.T, m *Manager, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.GetUserConnections(userID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections for %s = %d, want %d", userID, m.GetUserConnections(userID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case raw, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestNotifyNoteChangeSkipsOriginDevice(t *testing.T) {
	m := startManager(t, 5)
	laptop := addClient(t, m, "c1", "user-1", "laptop")
	phone := addClient(t, m, "c2", "user-1", "phone")
	other := addClient(t, m, "c3", "user-2", "laptop")
	waitConnections(t, m, "user-1", 2)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.NotifyNoteChange("user-1", "laptop", &domain.RemoteNote{Date: "01-03-2026", Revision: 4, ServerUpdatedAt: at})

	msg := receive(t, phone)
	if msg.Type != TypeNoteUpdate {
		t.Errorf("type = %s, want %s", msg.Type, TypeNoteUpdate)
	}
	var payload NoteChangedPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if payload.Date != "01-03-2026" || payload.Revision != 4 || !payload.ServerUpdatedAt.Equal(at) {
		t.Errorf("payload = %+v", payload)
	}

	if len(laptop.Send) != 0 {
		t.Error("origin device received its own change")
	}
	if len(other.Send) != 0 {
		t.Error("another user received the change")
	}
}

func TestNotifyNoteChangeTombstone(t *testing.T) {
	m := startManager(t, 5)
	phone := addClient(t, m, "c1", "user-1", "phone")
	waitConnections(t, m, "user-1", 1)

	m.NotifyNoteChange("user-1", "", &domain.RemoteNote{Date: "02-03-2026", Revision: 2, Deleted: true})

	if msg := receive(t, phone); msg.Type != TypeNoteDelete {
		t.Errorf("type = %s, want %s", msg.Type, TypeNoteDelete)
	}
}

func TestRegisterEnforcesConnectionLimit(t *testing.T) {
	m := startManager(t, 1)
	addClient(t, m, "c1", "user-1", "laptop")
	waitConnections(t, m, "user-1", 1)

	extra := addClient(t, m, "c2", "user-1", "phone")
	select {
	case _, ok := <-extra.Send:
		if ok {
			t.Error("rejected client received a message")
		}
	case <-time.After(time.Second):
		t.Fatal("rejected client was not closed")
	}
	waitConnections(t, m, "user-1", 1)
}

func TestAddAfterShutdown(t *testing.T) {
	m := NewManager(1, time.Second, time.Minute, 30*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if m.Add(NewClient("c1", "user-1", "laptop", nil, m)) {
		t.Error("Add() = true after Run returned")
	}
}
