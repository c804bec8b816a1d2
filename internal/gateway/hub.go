// Package gateway is the in-process publish-subscribe surface. Queue,
// worker, health and control code publish topic-scoped events; the
// transport layer (out of scope here) wraps Conn handles around client
// connections. Delivery is fire-and-forget: disconnected clients
// resynchronize through the query APIs, never through backfilled events.
package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
)

const (
	TopicScraperUpdates    = "scraper:updates"
	TopicMonitoringUpdates = "monitoring:updates"
)

func TenantTopic(id string) string { return "tenant:" + id }
func UserTopic(id string) string   { return "user:" + id }
func EntityTopic(id string) string { return "entity:" + id }

type Identity struct {
	UserID   string
	TenantID string
}

type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

const connBufferSize = 64

type Conn struct {
	ID       string
	Identity Identity

	hub    *Hub
	events chan Event

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

// Events is the outbound stream for this connection. When the buffer is
// full the oldest event is dropped; slow readers lose events instead of
// slowing publishers.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
				observability.Default.IncCounter("gateway_events_dropped_total", nil, 1)
			default:
			}
		}
	}
}

// Subscribe joins a topic and returns a cancel handle that leaves it.
func (c *Conn) Subscribe(topic string) (cancel func()) {
	c.hub.join(c, topic)
	return func() { c.hub.leave(c, topic) }
}

func (c *Conn) Unsubscribe(topic string) {
	c.hub.leave(c, topic)
}

func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Conn) Close() {
	c.hub.disconnect(c)
}

type Hub struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	topics map[string]map[string]*Conn
	closed bool
	now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		topics: make(map[string]map[string]*Conn),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Connect registers a connection, auto-joins its tenant and user topics
// and delivers the connection acknowledgment.
func (h *Hub) Connect(id Identity) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		Identity: id,
		hub:      h,
		events:   make(chan Event, connBufferSize),
		topics:   make(map[string]struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
		return c
	}
	h.conns[c.ID] = c
	h.mu.Unlock()

	if id.TenantID != "" {
		h.join(c, TenantTopic(id.TenantID))
	}
	if id.UserID != "" {
		h.join(c, UserTopic(id.UserID))
	}
	c.deliver(Event{Name: "connection:ack", Payload: map[string]string{"connection_id": c.ID}, At: h.now()})
	observability.Default.IncCounter("gateway_connections_total", nil, 1)
	return c
}

func (h *Hub) join(c *Conn, topic string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	members := h.topics[topic]
	if members == nil {
		members = make(map[string]*Conn)
		h.topics[topic] = members
	}
	members[c.ID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) leave(c *Conn, topic string) {
	h.mu.Lock()
	if members := h.topics[topic]; members != nil {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (h *Hub) disconnect(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.topics = make(map[string]struct{})
	close(c.events)
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, c.ID)
	for _, t := range topics {
		if members := h.topics[t]; members != nil {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.topics, t)
			}
		}
	}
	h.mu.Unlock()
}

// Publish fans an event out to the topic's current members and returns
// immediately. No delivery guarantee is made.
func (h *Hub) Publish(topic string, ev Event) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.mu.Lock()
	members := make([]*Conn, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		members = append(members, c)
	}
	h.mu.Unlock()
	for _, c := range members {
		c.deliver(ev)
	}
	observability.Default.IncCounter("gateway_events_published_total", map[string]string{"event": ev.Name}, 1)
}

// Shutdown notifies every connection and closes it.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	ev := Event{Name: "server:shutdown", At: h.now()}
	for _, c := range conns {
		c.deliver(ev)
		h.disconnect(c)
	}
}
