package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codesync/codesync/internal/logging"
	"github.com/codesync/codesync/internal/metrics"
	"github.com/codesync/codesync/internal/protocol"
	"github.com/codesync/codesync/internal/sandbox"
	"github.com/codesync/codesync/internal/tree"
)

// Handlers receives protocol events. All callbacks run on the session's read
// goroutine; nil callbacks are skipped.
type Handlers struct {
	OnRoomCreated    func(roomID string)
	OnJoinRejected   func()
	OnTree           func() // replica changed (files-init or files-update)
	OnUsersUpdate    func(users []protocol.User)
	OnChatMessage    func(msg protocol.ChatMessage)
	OnUpdateRejected func(reason string)
	OnDisconnect     func(err error)
}

// Session is one client connection to the server.
type Session struct {
	conn     *websocket.Conn
	state    *State
	runner   *sandbox.Runner
	handlers Handlers

	writeMu sync.Mutex

	mu     sync.Mutex
	roomID string

	done chan struct{}
}

// Dial connects to the server's websocket endpoint, retrying with
// exponential backoff until the context is done, and starts the read loop.
func Dial(ctx context.Context, wsURL string, handlers Handlers, sandboxTimeout time.Duration) (*Session, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			logging.Debug("dial failed, retrying",
				zap.String("url", wsURL),
				zap.Error(err))
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s := &Session{
		conn:     conn,
		state:    NewState(),
		runner:   sandbox.NewRunner(sandboxTimeout),
		handlers: handlers,
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// State returns the session's replica and selection state.
func (s *Session) State() *State {
	return s.state
}

// RoomID returns the current room, empty before create/join succeeds.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the connection down.
func (s *Session) Close() error {
	return s.conn.Close()
}

// CreateRoom asks the server for a fresh room. The id arrives via
// OnRoomCreated.
func (s *Session) CreateRoom(username string) error {
	return s.send(protocol.EventCreateRoom, protocol.CreateRoom{Username: username})
}

// Join requests membership in an existing room. The id is recorded
// immediately; a join-rejected answer clears it again.
func (s *Session) Join(roomID, username string) error {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
	return s.send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, Username: username})
}

// SetContent edits a file: optimistically on the local replica, then as a
// discrete op through the protocol. The next broadcast corrects any
// divergence.
func (s *Session) SetContent(path, content string) error {
	s.state.OptimisticSet(path, content)
	return s.mutate(&protocol.Op{Kind: protocol.OpSetContent, Path: path, Content: content})
}

// CreateEntry creates a file or folder under parentPath.
func (s *Session) CreateEntry(parentPath, name, kind string) error {
	return s.mutate(&protocol.Op{
		Kind: protocol.OpCreateAtPath, Path: parentPath, Name: name, NodeType: kind,
	})
}

// DeleteEntry removes the entry at path.
func (s *Session) DeleteEntry(path string) error {
	return s.mutate(&protocol.Op{Kind: protocol.OpDeleteAtPath, Path: path})
}

// Chat sends a chat message to the room.
func (s *Session) Chat(user, text string) error {
	return s.send(protocol.EventChatMessage, protocol.ChatMessage{User: user, Text: text})
}

// Run executes the active file in the local sandbox and returns the result.
// With nothing selected it falls back to the first file of the replica, the
// editor's behavior. Execution never touches the network.
func (s *Session) Run() (sandbox.Result, error) {
	active := s.state.Active()
	if active.Path == "" {
		fallback := firstFile(s.state.Replica())
		if fallback.Path == "" {
			return sandbox.Result{}, fmt.Errorf("no files found")
		}
		if err := s.state.Select(fallback.Path); err != nil {
			return sandbox.Result{}, err
		}
		active = fallback
	}
	res := s.runner.Run(active.Content)
	switch {
	case res.TimedOut:
		metrics.RecordSandboxRun("timeout", res.Duration)
	case res.Fault != "":
		metrics.RecordSandboxRun("fault", res.Duration)
	default:
		metrics.RecordSandboxRun("ok", res.Duration)
	}
	return res, nil
}

func (s *Session) mutate(op *protocol.Op) error {
	return s.send(protocol.EventFilesUpdate, protocol.FilesUpdate{RoomID: s.RoomID(), Op: op})
}

func (s *Session) send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(err)
			}
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			logging.Debug("malformed server frame", zap.Error(err))
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg protocol.Message) {
	switch msg.Event {
	case protocol.EventRoomCreated:
		var created protocol.RoomCreated
		if err := msg.Payload(&created); err != nil {
			return
		}
		s.mu.Lock()
		s.roomID = created.RoomID
		s.mu.Unlock()
		if s.handlers.OnRoomCreated != nil {
			s.handlers.OnRoomCreated(created.RoomID)
		}

	case protocol.EventFilesInit:
		var t tree.Tree
		if err := msg.Payload(&t); err != nil {
			return
		}
		s.state.ApplyInit(t)
		if s.handlers.OnTree != nil {
			s.handlers.OnTree()
		}

	case protocol.EventFilesUpdate:
		var t tree.Tree
		if err := msg.Payload(&t); err != nil {
			return
		}
		s.state.ApplySnapshot(t)
		if s.handlers.OnTree != nil {
			s.handlers.OnTree()
		}

	case protocol.EventJoinRejected:
		s.mu.Lock()
		s.roomID = ""
		s.mu.Unlock()
		if s.handlers.OnJoinRejected != nil {
			s.handlers.OnJoinRejected()
		}

	case protocol.EventUsersUpdate:
		var users []protocol.User
		if err := msg.Payload(&users); err != nil {
			return
		}
		if s.handlers.OnUsersUpdate != nil {
			s.handlers.OnUsersUpdate(users)
		}

	case protocol.EventChatMessage:
		var cm protocol.ChatMessage
		if err := msg.Payload(&cm); err != nil {
			return
		}
		if s.handlers.OnChatMessage != nil {
			s.handlers.OnChatMessage(cm)
		}

	case protocol.EventUpdateRejected:
		var rej protocol.UpdateRejected
		if err := msg.Payload(&rej); err != nil {
			return
		}
		if s.handlers.OnUpdateRejected != nil {
			s.handlers.OnUpdateRejected(rej.Reason)
		}
	}
}
