package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/spectralhq/spectralnotify/broker"
)

// subscriber is one live socket. The write pump is the only goroutine that
// writes to the connection, which keeps per-socket delivery ordered and
// avoids gorilla's concurrent-writer restriction.
type subscriber struct {
	id           string
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	subscribedAt time.Time

	mu         sync.Mutex
	lastPingAt time.Time

	closeOnce sync.Once
}

func newSubscriber(h *Hub, conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:           uuid.New().String(),
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, h.opts.SendBuffer),
		done:         make(chan struct{}),
		subscribedAt: time.Now().UTC(),
	}
}

// close tears the socket down exactly once: best-effort close frame, then
// connection close and removal from the hub.
func (s *subscriber) close(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.hub.opts.SendTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
		close(s.done)
		s.hub.remove(s.id)
	})
}

// writePump drains the send queue and emits periodic pings. One frame write
// is bounded by SendTimeout; a failed write ends the subscriber.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.hub.logger.WithError(err).WithField("subscriber", s.id).Debug("write failed")
				s.close(CloseNormal, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(pingFrame); err != nil {
				s.hub.logger.WithError(err).WithField("subscriber", s.id).Debug("ping failed")
				s.close(CloseNormal, "ping failed")
				return
			}
		}
	}
}

func (s *subscriber) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.SendTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump enforces the idle timeout and answers client pings. Any client
// frame resets the idle timer; frames other than {"type":"ping"} are
// ignored.
func (s *subscriber) readPump() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.IdleTimeout))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(CloseNormal, "")
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.IdleTimeout))

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != broker.FramePing {
			continue
		}

		s.mu.Lock()
		s.lastPingAt = time.Now().UTC()
		s.mu.Unlock()

		pong, err := json.Marshal(pongFrame{Type: broker.FramePong, Timestamp: broker.Timestamp()})
		if err != nil {
			continue
		}
		// Pong replies ride the same queue as events so writes stay
		// single-threaded. A full queue drops the pong, not the subscriber.
		select {
		case s.send <- pong:
		default:
		}
	}
}
