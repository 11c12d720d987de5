// Package room implements the authoritative room registry: room lifecycle,
// membership, tree mutation, and ordered broadcast.
//
// Locking: the registry lock guards the room map, each room's lock guards
// that room's state. Registry before room, always. Mutation application and
// broadcast happen under one room lock acquisition, which is what gives every
// member the same broadcast order; independent rooms never contend.
package room

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codesync/codesync/internal/logging"
	"github.com/codesync/codesync/internal/metrics"
	"github.com/codesync/codesync/internal/protocol"
	"github.com/codesync/codesync/internal/tree"
)

// Session is the registry's handle to one connected client. The registry
// never talks to the transport directly; the api layer passes a handle in
// when the connection is established and the handle dies with it.
type Session interface {
	// ID returns the connection id, unique per connection.
	ID() string
	// Send enqueues a frame without blocking. It returns false when the
	// outbox is full; the registry then closes the session rather than
	// skip a frame, since a member that misses one broadcast can never
	// converge again.
	Send(frame []byte) bool
	// Close tears the connection down asynchronously.
	Close(reason string)
}

type member struct {
	session Session
	name    string
}

// Room holds the authoritative state for one collaboration session.
type Room struct {
	id string

	mu      sync.Mutex
	closed  bool
	tree    tree.Tree
	members map[string]*member
	order   []string // connection ids in join order
	chat    []protocol.ChatMessage
}

// Registry owns all active rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	chatLimit   int
	memberCount atomic.Int64
}

// NewRegistry creates an empty registry. chatLimit bounds each room's
// retained chat history (0 = unbounded).
func NewRegistry(chatLimit int) *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		chatLimit: chatLimit,
	}
}

// RoomCount returns the number of active rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Snapshot returns a deep copy of a room's authoritative tree.
func (reg *Registry) Snapshot(roomID string) (tree.Tree, bool) {
	r := reg.lookup(roomID)
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	return tree.Clone(r.tree), true
}

// Create allocates a fresh room seeded with initial content, registers the
// caller as its first member, and emits room-created, files-init, and
// users-update to the caller only. Returns the new room id.
func (reg *Registry) Create(sess Session, username string) string {
	r := &Room{
		id:      uuid.NewString(),
		tree:    tree.Seed(),
		members: make(map[string]*member),
	}

	reg.mu.Lock()
	reg.rooms[r.id] = r
	metrics.SetRoomsActive(int64(len(reg.rooms)))
	reg.mu.Unlock()

	r.mu.Lock()
	r.addMemberLocked(sess, username)
	reg.memberCount.Add(1)
	metrics.SetMembersActive(reg.memberCount.Load())
	sendTo(sess, protocol.EventRoomCreated, protocol.RoomCreated{RoomID: r.id})
	sendTo(sess, protocol.EventFilesInit, r.tree)
	victims := r.broadcastLocked(protocol.EventUsersUpdate, r.usersLocked())
	r.mu.Unlock()

	closeAll(victims, "outbox overflow")
	logging.Info("room created",
		zap.String("room", r.id),
		zap.String("member", sess.ID()),
		zap.String("username", username))
	return r.id
}

// Join adds the caller to an existing room: files-init goes to the caller,
// users-update to every member. An unknown or dissolved room id yields a
// directed join-rejected and leaves the caller's room state untouched.
func (reg *Registry) Join(sess Session, roomID, username string) bool {
	r := reg.lookup(roomID)
	if r == nil {
		sendTo(sess, protocol.EventJoinRejected, struct{}{})
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sendTo(sess, protocol.EventJoinRejected, struct{}{})
		return false
	}
	r.addMemberLocked(sess, username)
	reg.memberCount.Add(1)
	metrics.SetMembersActive(reg.memberCount.Load())
	sendTo(sess, protocol.EventFilesInit, r.tree)
	victims := r.broadcastLocked(protocol.EventUsersUpdate, r.usersLocked())
	r.mu.Unlock()

	closeAll(victims, "outbox overflow")
	logging.Info("member joined",
		zap.String("room", roomID),
		zap.String("member", sess.ID()),
		zap.String("username", username))
	return true
}

// Leave removes the connection from its room. The last member out dissolves
// the room and releases all its state; otherwise remaining members get a
// users-update.
func (reg *Registry) Leave(roomID, connID string) {
	reg.mu.Lock()
	r := reg.rooms[roomID]
	if r == nil {
		reg.mu.Unlock()
		return
	}

	r.mu.Lock()
	if _, ok := r.members[connID]; !ok {
		r.mu.Unlock()
		reg.mu.Unlock()
		return
	}
	r.removeMemberLocked(connID)
	reg.memberCount.Add(-1)
	metrics.SetMembersActive(reg.memberCount.Load())

	var victims []Session
	dissolved := len(r.members) == 0
	if dissolved {
		r.closed = true
		r.chat = nil
		r.tree = nil
		delete(reg.rooms, roomID)
		metrics.SetRoomsActive(int64(len(reg.rooms)))
	} else {
		victims = r.broadcastLocked(protocol.EventUsersUpdate, r.usersLocked())
	}
	r.mu.Unlock()
	reg.mu.Unlock()

	closeAll(victims, "outbox overflow")
	if dissolved {
		logging.Info("room dissolved", zap.String("room", roomID))
	} else {
		logging.Debug("member left",
			zap.String("room", roomID),
			zap.String("member", connID))
	}
}

// Mutate applies a client mutation to the room's authoritative tree. Success
// replaces the snapshot atomically and broadcasts it to every member, the
// sender included. Failure changes nothing and answers the sender alone with
// update-rejected.
func (reg *Registry) Mutate(sess Session, roomID string, upd protocol.FilesUpdate) error {
	kind := "replace"
	if upd.Op != nil {
		kind = upd.Op.Kind
	}

	r := reg.lookup(roomID)
	if r == nil {
		metrics.RecordMutation(kind, false)
		sendTo(sess, protocol.EventUpdateRejected, protocol.UpdateRejected{Reason: "room not found"})
		return fmt.Errorf("mutate: room %q not found", roomID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.RecordMutation(kind, false)
		sendTo(sess, protocol.EventUpdateRejected, protocol.UpdateRejected{Reason: "room not found"})
		return fmt.Errorf("mutate: room %q dissolved", roomID)
	}
	if _, ok := r.members[sess.ID()]; !ok {
		r.mu.Unlock()
		metrics.RecordMutation(kind, false)
		sendTo(sess, protocol.EventUpdateRejected, protocol.UpdateRejected{Reason: "not a member of this room"})
		return fmt.Errorf("mutate: %q is not a member of room %q", sess.ID(), roomID)
	}

	next, err := applyUpdate(r.tree, upd)
	if err != nil {
		r.mu.Unlock()
		metrics.RecordMutation(kind, false)
		sendTo(sess, protocol.EventUpdateRejected, protocol.UpdateRejected{Reason: err.Error()})
		logging.Debug("mutation rejected",
			zap.String("room", roomID),
			zap.String("member", sess.ID()),
			zap.String("kind", kind),
			zap.Error(err))
		return err
	}

	r.tree = next
	metrics.RecordMutation(kind, true)
	metrics.ObserveRoomTreeSize(tree.Count(next))
	victims := r.broadcastLocked(protocol.EventFilesUpdate, r.tree)
	r.mu.Unlock()

	closeAll(victims, "outbox overflow")
	return nil
}

// Chat appends a message to the room's log and relays it to every member in
// arrival order. Non-members are ignored.
func (reg *Registry) Chat(sess Session, roomID string, msg protocol.ChatMessage) {
	r := reg.lookup(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.members[sess.ID()]; !ok {
		r.mu.Unlock()
		logging.Warn("chat from non-member dropped",
			zap.String("room", roomID),
			zap.String("member", sess.ID()))
		return
	}
	r.chat = append(r.chat, msg)
	if reg.chatLimit > 0 && len(r.chat) > reg.chatLimit {
		r.chat = r.chat[len(r.chat)-reg.chatLimit:]
	}
	metrics.RecordChatMessage()
	victims := r.broadcastLocked(protocol.EventChatMessage, msg)
	r.mu.Unlock()

	closeAll(victims, "outbox overflow")
}

// ChatHistory returns a copy of the room's retained chat log.
func (reg *Registry) ChatHistory(roomID string) []protocol.ChatMessage {
	r := reg.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ChatMessage, len(r.chat))
	copy(out, r.chat)
	return out
}

func (reg *Registry) lookup(roomID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

func applyUpdate(current tree.Tree, upd protocol.FilesUpdate) (tree.Tree, error) {
	switch {
	case upd.Op != nil:
		op := upd.Op
		switch op.Kind {
		case protocol.OpCreateAtPath:
			return tree.Create(current, op.Path, op.Name, op.NodeType)
		case protocol.OpSetContent:
			return tree.SetContent(current, op.Path, op.Content)
		case protocol.OpDeleteAtPath:
			return tree.Delete(current, op.Path)
		default:
			return nil, fmt.Errorf("unknown mutation kind %q", op.Kind)
		}
	case upd.Files != nil:
		if err := tree.Validate(upd.Files); err != nil {
			return nil, err
		}
		return upd.Files, nil
	default:
		return nil, fmt.Errorf("files-update carries neither files nor op")
	}
}

func (r *Room) addMemberLocked(sess Session, username string) {
	r.members[sess.ID()] = &member{session: sess, name: username}
	r.order = append(r.order, sess.ID())
}

func (r *Room) removeMemberLocked(connID string) {
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Room) usersLocked() []protocol.User {
	users := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.members[id]; ok {
			users = append(users, protocol.User{ID: id, Name: m.name})
		}
	}
	return users
}

// broadcastLocked fans a frame out to every member in join order. Members
// whose outbox is full are returned for the caller to close once the room
// lock is released.
func (r *Room) broadcastLocked(event string, payload any) []Session {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		logging.Error("broadcast encode failed",
			zap.String("room", r.id),
			zap.String("event", event),
			zap.Error(err))
		return nil
	}
	metrics.RecordBroadcast(event)

	var victims []Session
	for _, id := range r.order {
		m := r.members[id]
		if !m.session.Send(frame) {
			victims = append(victims, m.session)
		}
	}
	return victims
}

// sendTo delivers a directed frame to one session.
func sendTo(sess Session, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		logging.Error("directed encode failed",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	if !sess.Send(frame) {
		sess.Close("outbox overflow")
	}
}

func closeAll(victims []Session, reason string) {
	for _, s := range victims {
		s.Close(reason)
	}
}
