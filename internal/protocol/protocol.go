// Package protocol defines the event-channel wire contract between clients
// and the room registry. Every frame is one JSON envelope naming an event
// and carrying its payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/codesync/codesync/internal/tree"
)

// Event names. The web editor depends on these strings; do not change them.
const (
	EventCreateRoom   = "create-room"
	EventRoomCreated  = "room-created"
	EventJoinRoom     = "join-room"
	EventFilesInit    = "files-init"
	EventJoinRejected = "join-rejected"
	EventFilesUpdate  = "files-update"
	EventUsersUpdate  = "users-update"
	EventChatMessage  = "chat-message"

	// EventUpdateRejected is a directed error to the sender of a mutation
	// the registry refused.
	EventUpdateRejected = "update-rejected"
)

// Mutation kinds for the discrete op form of files-update.
const (
	OpCreateAtPath = "create-at-path"
	OpSetContent   = "set-content"
	OpDeleteAtPath = "delete-at-path"
)

// Message is the envelope for every frame on the channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a wire frame for the given event and payload.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = raw
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return frame, nil
}

// Decode parses a wire frame into its envelope.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("decode frame: missing event name")
	}
	return msg, nil
}

// Payload unmarshals the envelope's data into v.
func (m Message) Payload(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s payload: %w", m.Event, err)
	}
	return nil
}

// CreateRoom asks the registry to allocate a fresh room.
type CreateRoom struct {
	Username string `json:"username"`
}

// RoomCreated announces the new room id to its creator.
type RoomCreated struct {
	RoomID string `json:"roomId"`
}

// JoinRoom requests membership in an existing room.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// Op is one discrete tree mutation.
type Op struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	Name     string `json:"name,omitempty"`
	NodeType string `json:"nodeType,omitempty"`
	Content  string `json:"content,omitempty"`
}

// FilesUpdate is the client-originated mutation request. Either Files holds
// a full replacement tree (the web editor's form) or Op holds one discrete
// mutation. Exactly one must be set.
type FilesUpdate struct {
	RoomID string    `json:"roomId"`
	Files  tree.Tree `json:"files,omitempty"`
	Op     *Op       `json:"op,omitempty"`
}

// User is one entry of a users-update broadcast.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is relayed to every member of the room in arrival order.
type ChatMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// UpdateRejected tells the sender why its mutation was refused.
type UpdateRejected struct {
	Reason string `json:"reason"`
}
