// Package fanout delivers broker events to the live WebSocket subscribers of
// a single entity instance. Events are serialized once and written to every
// open socket in production order; slow sockets are evicted instead of
// delaying the rest.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/metrics"
)

// Close codes used by the hub.
const (
	CloseNormal       = websocket.CloseNormalClosure // 1000
	CloseInvalidRoute = 1008
	CloseBackpressure = 1011
)

// Options tunes subscriber liveness and backpressure.
type Options struct {
	// PingInterval is how often the server sends {"type":"ping"}
	PingInterval time.Duration

	// IdleTimeout closes a socket with no client frames for this long
	IdleTimeout time.Duration

	// SendTimeout bounds a single frame write
	SendTimeout time.Duration

	// SendBuffer is the outbound queue depth; overflow evicts the subscriber
	SendBuffer int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
		SendTimeout:  5 * time.Second,
		SendBuffer:   64,
	}
}

// Hub owns the subscriber set of one entity instance. Membership changes and
// broadcasts are serialized by the hub lock; socket writes happen outside it.
type Hub struct {
	kind   string
	opts   Options
	logger *logrus.Entry

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

// NewHub creates a hub for one entity. kind labels metrics and logs.
func NewHub(kind string, opts Options, logger *logrus.Entry) *Hub {
	if opts.SendBuffer < 1 {
		opts = DefaultOptions()
	}
	return &Hub{
		kind:   kind,
		opts:   opts,
		logger: logger.WithField("component", "fanout"),
		subs:   make(map[string]*subscriber),
	}
}

// Attach registers a socket and starts its read and write pumps. The hub
// owns the connection from here on.
func (h *Hub) Attach(conn *websocket.Conn) string {
	s := newSubscriber(h, conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close(CloseNormal, "instance deleted")
		return s.id
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	metrics.Subscribers.WithLabelValues(h.kind).Inc()
	h.logger.WithField("subscriber", s.id).Debug("subscriber attached")

	go s.writePump()
	go s.readPump()
	return s.id
}

// Broadcast serializes v once and queues it to every subscriber. A
// subscriber whose buffer is full is evicted with close code 1011 without
// blocking the others.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("marshal broadcast event")
		return
	}

	metrics.EventsBroadcast.WithLabelValues(h.kind).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.send <- data:
		default:
			metrics.SubscriberEvictions.WithLabelValues(h.kind).Inc()
			h.logger.WithField("subscriber", s.id).Warn("send buffer full, evicting subscriber")
			go s.close(CloseBackpressure, "backpressure")
		}
	}
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// CloseAll closes every subscriber and refuses new attachments. Used on
// entity delete.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.close(code, reason)
	}
}

// remove drops a subscriber from the set; safe to call more than once.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		metrics.Subscribers.WithLabelValues(h.kind).Dec()
		h.logger.WithField("subscriber", id).Debug("subscriber removed")
	}
}

var pingFrame = []byte(`{"type":"` + broker.FramePing + `"}`)

// pongFrame is the reply to a client-level ping.
type pongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}
