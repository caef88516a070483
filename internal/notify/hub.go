// Package notify delivers queue snapshots to observers: a topic-keyed hub
// fans updates out to attached clients, and a Redis pub/sub bridge carries
// them between api-server instances. Observers may see a slightly stale
// snapshot but never one older than what they already saw.
package notify

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TopicQueue is the whole-day queue topic (staff console, display board).
func TopicQueue(date string) string {
	return "queue:" + date
}

// TopicAppointment is the single-patient status topic.
func TopicAppointment(id uuid.UUID) string {
	return fmt.Sprintf("appointment:%s", id)
}

// Message is one versioned payload delivered to an observer. The version
// lets the write side drop anything not newer than what it already sent.
type Message struct {
	Version int64
	Payload []byte
}

// Client is one attached observer. Send is buffered; a slow client drops
// intermediate snapshots rather than blocking the broadcast path, which is
// safe because every snapshot is complete.
type Client struct {
	ID    string
	Topic string
	Send  chan Message
}

// NewClient creates a client for one topic with the standard send buffer.
func NewClient(topic string) *Client {
	return &Client{
		ID:    uuid.NewString(),
		Topic: topic,
		Send:  make(chan Message, 16),
	}
}

// Hub tracks observers per topic and enforces the ordering guarantee: a
// topic only ever sees snapshots with strictly increasing versions.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]map[*Client]struct{}
	lastVersion map[string]int64
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		lastVersion: make(map[string]int64),
	}
}

// Register attaches a client to its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister detaches a client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}

	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, client.Topic)
	}
	close(client.Send)
}

// Broadcast delivers a payload to every client on the topic, unless the
// version is not newer than the last delivered one. Redis pub/sub does not
// guarantee cross-publisher ordering, so the gate lives here.
func (h *Hub) Broadcast(topic string, version int64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if version <= h.lastVersion[topic] {
		return
	}
	h.lastVersion[topic] = version

	for client := range h.clients[topic] {
		select {
		case client.Send <- Message{Version: version, Payload: payload}:
		default:
			// Client buffer full; it will catch up on the next snapshot.
		}
	}
}

// TopicCount returns the number of clients on a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
