package ws

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Event types pushed to dashboard clients.
const (
	EventConnection        = "connection"
	EventPipelineStarted   = "pipeline_started"
	EventStageUpdated      = "stage_updated"
	EventPipelineCompleted = "pipeline_completed"
	EventAlert             = "alert"
)

// Event is the envelope for every pushed message.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans events out to connected dashboard clients. Clients receive every
// event type until they narrow the set with a subscribe filter.
type Hub struct {
	clients   map[Subscriber]map[string]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	filter    chan subscription
	broadcast chan message
	count     atomic.Int64
	log       *slog.Logger
	now       func() time.Time
}

type message struct {
	eventType string
	payload   []byte
}

type subscription struct {
	client Subscriber
	events []string
}

// NewHub creates an initialized Hub.
func NewHub(log *slog.Logger) *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]map[string]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		filter:    make(chan subscription),
		broadcast: make(chan message),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = nil
			h.count.Store(int64(len(h.clients)))
		case client := <-h.unreg:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.count.Store(int64(len(h.clients)))
		case sub := <-h.filter:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			if len(sub.events) == 0 {
				h.clients[sub.client] = nil
				continue
			}
			allowed := make(map[string]struct{}, len(sub.events))
			for _, e := range sub.events {
				allowed[e] = struct{}{}
			}
			h.clients[sub.client] = allowed
		case msg := <-h.broadcast:
			for client, allowed := range h.clients {
				if allowed != nil {
					if _, ok := allowed[msg.eventType]; !ok {
						continue
					}
				}
				if err := client.Send(msg.payload); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Register adds a client receiving all event types.
func (h *Hub) Register(client Subscriber) {
	h.register <- client
}

// Unregister removes a client and closes it.
func (h *Hub) Unregister(client Subscriber) {
	h.unreg <- client
}

// SetFilter narrows the event types a client receives. An empty list resets
// the client to receiving everything.
func (h *Hub) SetFilter(client Subscriber, events []string) {
	h.filter <- subscription{client: client, events: events}
}

// Publish wraps data in an event envelope and broadcasts it.
func (h *Hub) Publish(eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, Timestamp: h.now(), Data: data})
	if err != nil {
		h.log.Error("marshal event", "type", eventType, "error", err)
		return
	}
	h.broadcast <- message{eventType: eventType, payload: payload}
}

// ClientCount reports how many subscribers are connected.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}
