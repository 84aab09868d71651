package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"inkdown-docsync/internal/config"

	"github.com/golang/glog"
)

var (
	ErrClientNotFound  = errors.New("client not found")
	ErrSendBufferFull  = errors.New("client send buffer full")
	ErrTooManySessions = errors.New("max connections reached for user")
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	sendBuffer     int
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
	// HandleDisconnect runs once for every client that leaves, including
	// clients refused at registration.
	HandleDisconnect(client *Client)
}

func NewManager(cfg config.WebSocketConfig) *Manager {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: cfg.MaxConnPerUser,
		sendBuffer:     sendBuffer,
		maxMessageSize: cfg.MaxMessageSize,
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		pingPeriod:     cfg.PingPeriod,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run processes registrations and inbound messages one at a time, so messages
// from a single session are handled in arrival order.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.Register:
			if err := m.registerClient(client); err != nil {
				glog.Warningf("[WebSocket] refused session %s: %v", client.ID, err)
				close(client.Send)
				m.disconnected(client)
			}

		case client := <-m.Unregister:
			if m.unregisterClient(client) {
				m.disconnected(client)
			}

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) registerClient(client *Client) error {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if m.maxConnPerUser > 0 && len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}
		return ErrTooManySessions
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true

	glog.Infof("[WebSocket] client registered: %s (user: %s, document: %s)", client.ID, client.UserID, client.DocumentID)
	return nil
}

func (m *Manager) unregisterClient(client *Client) bool {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return false
	}

	delete(m.clients, client.ID)
	delete(m.userIndex[client.UserID], client.ID)

	if len(m.userIndex[client.UserID]) == 0 {
		delete(m.userIndex, client.UserID)
	}

	close(client.Send)
	glog.Infof("[WebSocket] client unregistered: %s", client.ID)
	return true
}

func (m *Manager) disconnected(client *Client) {
	if m.messageHandler != nil {
		m.messageHandler.HandleDisconnect(client)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	msg, err := Decode(clientMsg.Message)
	if err != nil {
		glog.Warningf("[WebSocket] dropped message from session %s: %v", clientMsg.Client.ID, err)
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, msg); err != nil {
			glog.Warningf("[WebSocket] error handling %s from session %s: %v", msg.Type, clientMsg.Client.ID, err)
		}
	}
}

// SendToClient queues a message without waiting for delivery. A session
// whose buffer is full is reported but left connected.
func (m *Manager) SendToClient(clientID string, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return ErrClientNotFound
	}

	select {
	case client.Send <- messageBytes:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}
