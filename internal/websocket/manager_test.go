package websocket

import (
	"encoding/json"
	"errors"
	"testing"

	"inkdown-docsync/internal/config"

	"github.com/go-playground/assert/v2"
)

type recordingHandler struct {
	messages     []MessageType
	disconnected []string
}

func (h *recordingHandler) HandleWebSocketMessage(client *Client, msg *Message) error {
	h.messages = append(h.messages, msg.Type)
	return nil
}

func (h *recordingHandler) HandleDisconnect(client *Client) {
	h.disconnected = append(h.disconnected, client.ID)
}

func newTestManager(maxConn, sendBuffer int) *Manager {
	return NewManager(config.WebSocketConfig{MaxConnPerUser: maxConn, SendBuffer: sendBuffer})
}

func TestManager_RegisterAndLimit(t *testing.T) {
	m := newTestManager(2, 4)

	a := NewClient("a", "user1", "doc", nil, m)
	b := NewClient("b", "user1", "doc", nil, m)
	c := NewClient("c", "user1", "doc", nil, m)

	if err := m.registerClient(a); err != nil {
		t.Fatalf("registerClient(a) error = %v", err)
	}
	if err := m.registerClient(b); err != nil {
		t.Fatalf("registerClient(b) error = %v", err)
	}
	if err := m.registerClient(c); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("registerClient(c) error = %v, want ErrTooManySessions", err)
	}

	assert.Equal(t, 2, m.GetUserConnections("user1"))

	assert.Equal(t, true, m.unregisterClient(a))
	assert.Equal(t, false, m.unregisterClient(a))
	assert.Equal(t, 1, m.GetUserConnections("user1"))

	m.unregisterClient(b)
	assert.Equal(t, 0, m.GetUserConnections("user1"))
}

func TestManager_SendToClient(t *testing.T) {
	m := newTestManager(0, 1)
	a := NewClient("a", "user1", "doc", nil, m)
	m.registerClient(a)

	msg, _ := NewMessage(TypePong, nil)

	if err := m.SendToClient("a", msg); err != nil {
		t.Fatalf("SendToClient() error = %v", err)
	}
	if err := m.SendToClient("a", msg); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("SendToClient() error = %v, want ErrSendBufferFull", err)
	}
	if err := m.SendToClient("missing", msg); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("SendToClient() error = %v, want ErrClientNotFound", err)
	}

	var got Message
	if err := json.Unmarshal(<-a.Send, &got); err != nil {
		t.Fatalf("queued frame is not a message: %v", err)
	}
	assert.Equal(t, TypePong, got.Type)
}

func TestManager_ProcessMessage(t *testing.T) {
	m := newTestManager(0, 1)
	h := &recordingHandler{}
	m.SetMessageHandler(h)

	client := NewClient("a", "user1", "doc", nil, m)

	m.processMessage(&ClientMessage{Client: client, Message: []byte(`{"type":"ready"}`)})
	m.processMessage(&ClientMessage{Client: client, Message: []byte(`{"type":"init"}`)})
	m.processMessage(&ClientMessage{Client: client, Message: []byte(`garbage`)})
	m.processMessage(&ClientMessage{Client: client, Message: []byte(`{"type":"ping"}`)})

	assert.Equal(t, []MessageType{TypeReady, TypePing}, h.messages)
}

func TestManager_Disconnected(t *testing.T) {
	m := newTestManager(0, 1)
	h := &recordingHandler{}
	m.SetMessageHandler(h)

	client := NewClient("a", "user1", "doc", nil, m)
	m.disconnected(client)

	assert.Equal(t, []string{"a"}, h.disconnected)
}
