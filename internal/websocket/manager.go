package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
)

const maxMessageSize = 4096

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager is the hub between the daemon and connected UIs. Replication status
// goes to every client; document changes only to the owner's clients.
type Manager struct {
	clients        map[string]*Client
	principalIndex map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	snapshot       func() domain.ReplicationStatus
	done           chan struct{}
	log            logging.Logger
}

func NewManager(maxConnPerUser int, writeWait, pongWait, pingPeriod time.Duration, log logging.Logger) *Manager {
	return &Manager{
		clients:        make(map[string]*Client),
		principalIndex: make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: maxConnPerUser,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		done:           make(chan struct{}),
		log:            log.With("component", "websocket"),
	}
}

// SetStatusSource makes newly registered clients receive the current
// replication status right away.
func (m *Manager) SetStatusSource(snapshot func() domain.ReplicationStatus) {
	m.snapshot = snapshot
}

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

	if m.principalIndex[client.Principal] == nil {
		m.principalIndex[client.Principal] = make(map[string]bool)
	}

	if len(m.principalIndex[client.Principal]) >= m.maxConnPerUser {
		m.log.Warn(context.Background(), "max connections reached", "principal", client.Principal)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.principalIndex[client.Principal][client.ID] = true
	m.log.Debug(context.Background(), "client registered", "client", client.ID, "principal", client.Principal)

	if m.snapshot != nil {
		if msg, err := NewMessage(TypeStatus, m.snapshot()); err == nil {
			m.deliver(client, msg)
		}
	}
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.principalIndex[client.Principal], client.ID)

		if len(m.principalIndex[client.Principal]) == 0 {
			delete(m.principalIndex, client.Principal)
		}

		close(client.Send)
		m.log.Debug(context.Background(), "client unregistered", "client", client.ID)
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.principalIndex = make(map[string]map[string]bool)
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.log.Debug(context.Background(), "malformed client message", "client", clientMsg.Client.ID, "error", err)
		m.reply(clientMsg.Client, TypeError, &ErrorPayload{Error: "malformed message"})
		return
	}

	switch msg.Type {
	case TypePing:
		m.reply(clientMsg.Client, TypePong, nil)
	case TypeStatus:
		if m.snapshot != nil {
			m.reply(clientMsg.Client, TypeStatus, m.snapshot())
		}
	default:
		m.reply(clientMsg.Client, TypeError, &ErrorPayload{Error: "unsupported message type " + string(msg.Type)})
	}
}

func (m *Manager) reply(client *Client, msgType MessageType, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	if _, ok := m.clients[client.ID]; ok {
		m.deliver(client, msg)
	}
}

// PublishStatus broadcasts a replication status transition.
func (m *Manager) PublishStatus(status domain.ReplicationStatus) {
	msg, err := NewMessage(TypeStatus, status)
	if err != nil {
		m.log.Error(context.Background(), "encoding status message", "error", err)
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	for _, client := range m.clients {
		m.deliver(client, msg)
	}
}

// PublishChange notifies the document owner's clients of a stored revision.
func (m *Manager) PublishChange(event domain.ChangeEvent) {
	msg, err := NewMessage(TypeChange, event)
	if err != nil {
		m.log.Error(context.Background(), "encoding change message", "error", err)
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	for clientID := range m.principalIndex[event.Owner] {
		m.deliver(m.clients[clientID], msg)
	}
}

// deliver never blocks; a client that cannot keep up misses the message.
// Callers hold clientsMutex.
func (m *Manager) deliver(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		m.log.Warn(context.Background(), "client send buffer full, dropping message", "client", client.ID, "type", msg.Type)
	}
}

func (m *Manager) Connections(principal string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.principalIndex[principal])
}
