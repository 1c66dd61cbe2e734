package fabric

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
)

// requestEnvelope is the inbound wire shape for fabric verbs.
type requestEnvelope struct {
	ID   string          `json:"id"`
	Verb string          `json:"verb"`
	Data json.RawMessage `json:"data"`
}

// responseEnvelope answers a request by id.
type responseEnvelope struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// pushEnvelope is a server-initiated message (no request id).
type pushEnvelope struct {
	Verb string          `json:"verb"`
	Data json.RawMessage `json:"data"`
}

// Session is one persistent client connection. The write pump is the only
// goroutine writing to the connection; the read pump is the only reader.
type Session struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	principal *identity.Principal
	nodeID    string
	watches   map[string]bool
}

// Principal returns the session's current principal.
func (s *Session) Principal() *identity.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *Session) setPrincipal(p *identity.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
}

// NodeID returns the node attached to this session, if any.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

func (s *Session) setNodeID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeID = id
}

func (s *Session) trackWatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watches == nil {
		s.watches = make(map[string]bool)
	}
	s.watches[id] = true
}

func (s *Session) untrackWatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, id)
}

// enqueue adds a message to the outbound queue. On overflow the oldest
// queued message is dropped and a delivery failure is counted.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
	}
	// Queue full: drop the oldest, then retry once.
	select {
	case <-s.send:
		s.hub.metrics.DeliveryFailures.WithLabelValues("session_overflow").Inc()
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.hub.metrics.DeliveryFailures.WithLabelValues("session_overflow").Inc()
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		s.hub.removeSession(s)
	})
}

// writePump owns all connection writes, including pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns all connection reads and dispatches verbs.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn("session read error", "session", s.ID, "error", err)
			}
			return
		}

		var req requestEnvelope
		if err := json.Unmarshal(payload, &req); err != nil {
			s.reply(responseEnvelope{OK: false, Error: "malformed envelope"})
			continue
		}
		s.reply(s.hub.dispatch(s, &req))
	}
}

func (s *Session) reply(resp responseEnvelope) {
	msg, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.enqueue(msg)
}
