package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codesync/codesync/internal/client"
	"github.com/codesync/codesync/internal/config"
	"github.com/codesync/codesync/internal/protocol"
	"github.com/codesync/codesync/internal/ratelimit"
	"github.com/codesync/codesync/internal/room"
	"github.com/codesync/codesync/internal/tree"
)

const waitTimeout = 3 * time.Second

type testServer struct {
	registry *room.Registry
	http     *httptest.Server
	wsURL    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	registry := room.NewRegistry(cfg.ChatHistoryLimit)
	srv := NewServer(registry, ratelimit.New(), cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{
		registry: registry,
		http:     ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

type events struct {
	roomCreated  chan string
	tree         chan struct{}
	users        chan []protocol.User
	chat         chan protocol.ChatMessage
	joinRejected chan struct{}
	rejected     chan string
}

func newEvents() *events {
	return &events{
		roomCreated:  make(chan string, 4),
		tree:         make(chan struct{}, 64),
		users:        make(chan []protocol.User, 64),
		chat:         make(chan protocol.ChatMessage, 64),
		joinRejected: make(chan struct{}, 4),
		rejected:     make(chan string, 16),
	}
}

func (e *events) handlers() client.Handlers {
	return client.Handlers{
		OnRoomCreated:    func(id string) { e.roomCreated <- id },
		OnTree:           func() { e.tree <- struct{}{} },
		OnUsersUpdate:    func(users []protocol.User) { e.users <- users },
		OnChatMessage:    func(msg protocol.ChatMessage) { e.chat <- msg },
		OnJoinRejected:   func() { e.joinRejected <- struct{}{} },
		OnUpdateRejected: func(reason string) { e.rejected <- reason },
	}
}

func dial(t *testing.T, ts *testServer, ev *events) *client.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	sess, err := client.Dial(ctx, ts.wsURL, ev.handlers(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func recvString(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func recvSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func recvUsers(t *testing.T, ch chan []protocol.User, want int) []protocol.User {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case users := <-ch:
			if len(users) == want {
				return users
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d members", want)
			return nil
		}
	}
}

func TestCreateJoinEditChat(t *testing.T) {
	ts := newTestServer(t)

	alice := newEvents()
	aliceSess := dial(t, ts, alice)
	if err := aliceSess.CreateRoom("alice"); err != nil {
		t.Fatal(err)
	}
	roomID := recvString(t, alice.roomCreated, "room-created")
	recvSignal(t, alice.tree, "alice files-init")
	recvUsers(t, alice.users, 1)

	if active := aliceSess.State().Active(); active.Path != "src/index.js" {
		t.Errorf("creator should auto-select the seed file, got %q", active.Path)
	}

	bob := newEvents()
	bobSess := dial(t, ts, bob)
	if err := bobSess.Join(roomID, "bob"); err != nil {
		t.Fatal(err)
	}
	recvSignal(t, bob.tree, "bob files-init")
	recvUsers(t, bob.users, 2)
	recvUsers(t, alice.users, 2)

	// Bob edits; the broadcast corrects every replica, Bob's included.
	if err := bobSess.SetContent("src/index.js", "console.log('from bob');"); err != nil {
		t.Fatal(err)
	}
	recvSignal(t, alice.tree, "alice files-update")
	recvSignal(t, bob.tree, "bob files-update")

	for name, sess := range map[string]*client.Session{"alice": aliceSess, "bob": bobSess} {
		node, err := tree.Resolve(sess.State().Replica(), "src/index.js")
		if err != nil {
			t.Fatalf("%s replica: %v", name, err)
		}
		if node.Content != "console.log('from bob');" {
			t.Errorf("%s replica not converged: %q", name, node.Content)
		}
	}

	// Alice sees the remote edit live in her open file and can run it.
	if active := aliceSess.State().Active(); active.Content != "console.log('from bob');" {
		t.Errorf("open file did not refresh: %q", active.Content)
	}
	res, err := aliceSess.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Output() != "from bob" {
		t.Errorf("run output: %q", res.Output())
	}

	// Chat reaches both, sender included.
	if err := aliceSess.Chat("alice", "hello"); err != nil {
		t.Fatal(err)
	}
	for name, ev := range map[string]*events{"alice": alice, "bob": bob} {
		select {
		case msg := <-ev.chat:
			if msg.User != "alice" || msg.Text != "hello" {
				t.Errorf("%s chat: %+v", name, msg)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("%s: no chat relay", name)
		}
	}

	// Bob leaves; Alice sees membership shrink.
	bobSess.Close()
	recvUsers(t, alice.users, 1)
}

func TestJoinUnknownRoom(t *testing.T) {
	ts := newTestServer(t)

	ev := newEvents()
	sess := dial(t, ts, ev)
	if err := sess.Join("not-a-room", "eve"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ev.joinRejected:
	case <-time.After(waitTimeout):
		t.Fatal("expected join-rejected")
	}
	select {
	case <-ev.tree:
		t.Fatal("join-rejected must never come with files-init")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoomDissolvedAfterLastLeave(t *testing.T) {
	ts := newTestServer(t)

	ev := newEvents()
	sess := dial(t, ts, ev)
	if err := sess.CreateRoom("solo"); err != nil {
		t.Fatal(err)
	}
	roomID := recvString(t, ev.roomCreated, "room-created")
	sess.Close()

	// Registry processes the disconnect asynchronously.
	deadline := time.Now().Add(waitTimeout)
	for ts.registry.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room not dissolved after last member left")
		}
		time.Sleep(10 * time.Millisecond)
	}

	late := newEvents()
	lateSess := dial(t, ts, late)
	if err := lateSess.Join(roomID, "late"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-late.joinRejected:
	case <-time.After(waitTimeout):
		t.Fatal("join to dissolved room must be rejected")
	}
}

func TestMutationRejectionIsDirected(t *testing.T) {
	ts := newTestServer(t)

	ev := newEvents()
	sess := dial(t, ts, ev)
	if err := sess.CreateRoom("alice"); err != nil {
		t.Fatal(err)
	}
	recvString(t, ev.roomCreated, "room-created")
	recvSignal(t, ev.tree, "files-init")

	if err := sess.SetContent("src/missing.js", "x"); err != nil {
		t.Fatal(err)
	}
	reason := recvString(t, ev.rejected, "update-rejected")
	if !strings.Contains(reason, "file not found") {
		t.Errorf("unexpected rejection reason: %q", reason)
	}
	select {
	case <-ev.tree:
		t.Fatal("failed mutation must not broadcast a snapshot")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealthAndTreeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}

	ev := newEvents()
	sess := dial(t, ts, ev)
	if err := sess.CreateRoom("alice"); err != nil {
		t.Fatal(err)
	}
	roomID := recvString(t, ev.roomCreated, "room-created")

	resp, err = http.Get(ts.http.URL + "/api/v1/rooms/" + roomID + "/tree")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tree endpoint: %d", resp.StatusCode)
	}
	var snap tree.Tree
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Resolve(snap, "src/index.js"); err != nil {
		t.Errorf("snapshot missing seed file: %v", err)
	}

	resp, err = http.Get(ts.http.URL + "/api/v1/rooms/nope/tree")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown room: expected 404, got %d", resp.StatusCode)
	}
}
