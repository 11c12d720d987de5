package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codesync/codesync/internal/config"
	"github.com/codesync/codesync/internal/logging"
	"github.com/codesync/codesync/internal/metrics"
	"github.com/codesync/codesync/internal/protocol"
	"github.com/codesync/codesync/internal/ratelimit"
	"github.com/codesync/codesync/internal/room"
)

// outboxSize bounds frames queued toward one client. A client that falls this
// far behind is closed by the registry rather than allowed to diverge.
const outboxSize = 64

// session is one client connection. It implements room.Session: the registry
// holds it as an opaque handle for the lifetime of the connection and never
// outlives it.
type session struct {
	id       string
	conn     *websocket.Conn
	registry *room.Registry
	limiter  *ratelimit.Limiter
	cfg      *config.Config

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// roomID is owned by the read pump; set on create/join, read at
	// teardown after the pump has exited.
	roomID string
}

func newSession(conn *websocket.Conn, registry *room.Registry, limiter *ratelimit.Limiter, cfg *config.Config) *session {
	return &session{
		id:       uuid.NewString(),
		conn:     conn,
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		outbox:   make(chan []byte, outboxSize),
		done:     make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Send enqueues a frame for the write pump. Frames for a session already
// shutting down report success; the connection is gone either way.
func (s *session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.outbox <- frame:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close initiates teardown. Safe to call from any goroutine, any number of
// times.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		logging.Debug("closing session",
			zap.String("conn", s.id),
			zap.String("reason", reason))
		close(s.done)
		s.conn.Close()
	})
}

// run drives the connection: write pump in the background, read pump in the
// calling goroutine. It returns once the connection is torn down and the
// member has left its room.
func (s *session) run() {
	go s.writePump()
	s.readPump()

	s.Close("connection closed")
	s.limiter.Forget(s.id)
	if s.roomID != "" {
		s.registry.Leave(s.roomID, s.id)
	}
}

func (s *session) readPump() {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	pongWait := 2 * s.cfg.PingInterval
	if pongWait > 0 {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("read error", zap.String("conn", s.id), zap.Error(err))
			}
			return
		}

		if !s.limiter.Allow(s.id, s.cfg.EventsPerMinute) {
			metrics.RecordRateLimitHit()
			s.reject("rate limit exceeded")
			continue
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			logging.Debug("malformed frame",
				zap.String("conn", s.id),
				zap.Error(err))
			s.reject("malformed frame")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) writePump() {
	var ticker *time.Ticker
	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker = time.NewTicker(s.cfg.PingInterval)
		ping = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case frame := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Close("write failed")
				return
			}
		case <-ping:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close("ping failed")
				return
			}
		case <-s.done:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (s *session) dispatch(msg protocol.Message) {
	switch msg.Event {
	case protocol.EventCreateRoom:
		var req protocol.CreateRoom
		if err := msg.Payload(&req); err != nil {
			s.reject(err.Error())
			return
		}
		if s.roomID != "" {
			s.reject("already in a room")
			return
		}
		s.roomID = s.registry.Create(s, displayName(req.Username))

	case protocol.EventJoinRoom:
		var req protocol.JoinRoom
		if err := msg.Payload(&req); err != nil {
			s.reject(err.Error())
			return
		}
		if s.roomID != "" {
			s.reject("already in a room")
			return
		}
		if s.registry.Join(s, req.RoomID, displayName(req.Username)) {
			s.roomID = req.RoomID
		}

	case protocol.EventFilesUpdate:
		var upd protocol.FilesUpdate
		if err := msg.Payload(&upd); err != nil {
			s.reject(err.Error())
			return
		}
		roomID := upd.RoomID
		if roomID == "" {
			roomID = s.roomID
		}
		s.registry.Mutate(s, roomID, upd)

	case protocol.EventChatMessage:
		var cm protocol.ChatMessage
		if err := msg.Payload(&cm); err != nil {
			return
		}
		s.registry.Chat(s, s.roomID, cm)

	default:
		logging.Debug("unknown event",
			zap.String("conn", s.id),
			zap.String("event", msg.Event))
	}
}

// reject sends a directed update-rejected to this client.
func (s *session) reject(reason string) {
	frame, err := protocol.Encode(protocol.EventUpdateRejected, protocol.UpdateRejected{Reason: reason})
	if err != nil {
		return
	}
	if !s.Send(frame) {
		s.Close("outbox overflow")
	}
}

func displayName(username string) string {
	if username == "" {
		return "anonymous"
	}
	return username
}
