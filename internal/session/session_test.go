package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlor/chat-service/internal/history"
	"github.com/parlor/chat-service/internal/hub"
	"github.com/parlor/chat-service/internal/moderation"
	"github.com/parlor/chat-service/internal/protocol"
	"github.com/parlor/chat-service/internal/room"
)

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"general", "general"},
		{"my-room_2.0", "my-room_2.0"},
		{"room with spaces", "roomwithspaces"},
		{"café & friends", "caffriends"},
		{"!!!", "default"},
		{"", "default"},
		{"русский", "default"},
	}
	for _, tt := range tests {
		if got := GroupKey(tt.name); got != tt.want {
			t.Errorf("GroupKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) lastError(t *testing.T) protocol.ErrorFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames received")
	}
	var f protocol.ErrorFrame
	if err := json.Unmarshal(c.frames[len(c.frames)-1], &f); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	return f
}

func (c *fakeConn) lastChat(t *testing.T) protocol.ChatFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames received")
	}
	var f protocol.ChatFrame
	if err := json.Unmarshal(c.frames[len(c.frames)-1], &f); err != nil {
		t.Fatalf("decode chat frame: %v", err)
	}
	return f
}

type stubRooms struct {
	rm    *room.Room
	err   error
	calls int
}

func (s *stubRooms) GetOrCreate(ctx context.Context, name string) (*room.Room, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rm, nil
}

type stubModerator struct {
	decision moderation.Decision
	err      error
	panics   bool
	content  string
}

func (s *stubModerator) Moderate(ctx context.Context, username string, rm *room.Room, content string) (moderation.Decision, error) {
	if s.panics {
		panic("moderator exploded")
	}
	s.content = content
	return s.decision, s.err
}

type stubMessages struct {
	err     error
	created []*history.Message
	recent  []history.Message
	at      time.Time
}

func (s *stubMessages) Create(ctx context.Context, m *history.Message) error {
	if s.err != nil {
		return s.err
	}
	m.ID = int64(len(s.created) + 1)
	m.CreatedAt = s.at
	s.created = append(s.created, m)
	return nil
}

func (s *stubMessages) Recent(ctx context.Context, roomID int64, limit int) ([]history.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.recent, nil
}

type stubRates struct {
	calls int
	err   error
}

func (s *stubRates) Record(ctx context.Context, username string, roomID int64) error {
	s.calls++
	return s.err
}

type harness struct {
	h         *Handler
	rooms     *stubRooms
	moderator *stubModerator
	messages  *stubMessages
	rates     *stubRates
}

func newHarness() *harness {
	rooms := &stubRooms{rm: &room.Room{ID: 1, Name: "general"}}
	moderator := &stubModerator{}
	messages := &stubMessages{at: time.Date(2025, 3, 9, 14, 7, 0, 0, time.Local)}
	rates := &stubRates{}
	h := NewHandler(rooms, moderator, messages, rates, hub.New(hub.NewRegistry(), nil), 0)
	return &harness{h: h, rooms: rooms, moderator: moderator, messages: messages, rates: rates}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnectAnnouncesJoin(t *testing.T) {
	ha := newHarness()

	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	f := alice.lastChat(t)
	if f.Username != SystemUsername || !strings.Contains(f.Message, "alice joined") {
		t.Errorf("join notice = %+v", f)
	}
}

func TestConnectReplaysRecentHistoryOldestFirst(t *testing.T) {
	ha := newHarness()
	// Recent is newest-first, as the store serves it.
	ha.messages.recent = []history.Message{
		{Username: "bob", Content: "newest", CreatedAt: ha.messages.at},
		{Username: "alice", Content: "oldest", CreatedAt: ha.messages.at.Add(-time.Minute)},
	}

	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	// Two history frames then the join notice.
	if alice.frameCount() != 3 {
		t.Fatalf("got %d frames on connect, want 3", alice.frameCount())
	}
	var first, second protocol.ChatFrame
	if err := json.Unmarshal(alice.frames[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(alice.frames[1], &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Message != "oldest" || second.Message != "newest" {
		t.Errorf("replay order = [%q, %q], want oldest first", first.Message, second.Message)
	}
}

func TestMessageHappyPath(t *testing.T) {
	ha := newHarness()

	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	ha.h.Connect(alice, "general", "alice")
	ha.h.Connect(bob, "general", "bob")

	before := bob.frameCount()
	ha.h.Message(alice, []byte(`{"message":"  hello room  "}`))

	if len(ha.messages.created) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(ha.messages.created))
	}
	m := ha.messages.created[0]
	if m.Content != "hello room" || !m.IsModerated || m.RoomID != 1 {
		t.Errorf("persisted message = %+v", m)
	}
	if ha.rates.calls != 1 {
		t.Errorf("rate events recorded = %d, want 1", ha.rates.calls)
	}

	if bob.frameCount() != before+1 {
		t.Fatalf("bob got %d new frames, want 1", bob.frameCount()-before)
	}
	f := bob.lastChat(t)
	if f.Username != "alice" || f.Message != "hello room" {
		t.Errorf("broadcast frame = %+v", f)
	}
	if f.Timestamp != "14:07" {
		t.Errorf("timestamp = %q, want %q", f.Timestamp, "14:07")
	}
	// The sender is a room member like any other and hears their own message.
	if got := alice.lastChat(t); got.Message != "hello room" {
		t.Errorf("sender did not hear own message: %+v", got)
	}
}

func TestMessageMalformedFrame(t *testing.T) {
	ha := newHarness()
	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	for _, data := range []string{`not json`, `{"text":"hi"}`, `{"message":42}`} {
		ha.h.Message(alice, []byte(data))
		if f := alice.lastError(t); f.Error != protocol.ErrInvalidFormat {
			t.Errorf("Message(%q) error frame = %+v", data, f)
		}
	}
	if len(ha.messages.created) != 0 {
		t.Error("malformed frame was persisted")
	}
}

func TestMessageRequiresAuthentication(t *testing.T) {
	ha := newHarness()
	anon := &fakeConn{id: "c1"}
	ha.h.Connect(anon, "general", "")

	ha.h.Message(anon, []byte(`{"message":"hello"}`))

	f := anon.lastError(t)
	if f.Error != protocol.ErrAuthRequired || f.ModerationBlocked {
		t.Errorf("error frame = %+v", f)
	}
	if len(ha.messages.created) != 0 || ha.rates.calls != 0 {
		t.Error("unauthenticated message reached storage")
	}
}

func TestMessageDropsEmptyAndJoinCommands(t *testing.T) {
	ha := newHarness()
	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	before := alice.frameCount()
	for _, data := range []string{`{"message":""}`, `{"message":"   "}`, `{"message":"/join"}`, `{"message":"  /join  "}`} {
		ha.h.Message(alice, []byte(data))
	}

	if alice.frameCount() != before {
		t.Error("dropped message produced a frame")
	}
	if len(ha.messages.created) != 0 {
		t.Error("dropped message was persisted")
	}
}

func TestMessageStartingWithJoinIsDelivered(t *testing.T) {
	ha := newHarness()
	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	// Only the literal "/join" is a placeholder; this is a real message.
	ha.h.Message(alice, []byte(`{"message":"/joining the call in five"}`))

	if len(ha.messages.created) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(ha.messages.created))
	}
	f := alice.lastChat(t)
	if f.Message != "/joining the call in five" || f.Username != "alice" {
		t.Errorf("broadcast frame = %+v", f)
	}
}

func TestMessageTruncatedBeforeModeration(t *testing.T) {
	ha := newHarness()
	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	long := strings.Repeat("ab", 800) // 1600 runes
	ha.h.Message(alice, []byte(`{"message":"`+long+`"}`))

	if got := len([]rune(ha.moderator.content)); got != DefaultMaxMessageRunes {
		t.Errorf("moderated content length = %d runes, want %d", got, DefaultMaxMessageRunes)
	}
	if len(ha.messages.created) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(ha.messages.created))
	}
	if got := len([]rune(ha.messages.created[0].Content)); got != DefaultMaxMessageRunes {
		t.Errorf("persisted content length = %d runes, want %d", got, DefaultMaxMessageRunes)
	}
}

func TestMessageBlockedByModeration(t *testing.T) {
	ha := newHarness()
	ha.moderator.decision = moderation.Decision{
		Blocked: true,
		Reason:  "Be polite",
		Stage:   moderation.StageCustomWords,
	}

	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	ha.h.Connect(alice, "general", "alice")
	ha.h.Connect(bob, "general", "bob")

	before := bob.frameCount()
	ha.h.Message(alice, []byte(`{"message":"something rude"}`))

	f := alice.lastError(t)
	if f.Error != "Be polite" || !f.ModerationBlocked {
		t.Errorf("error frame = %+v", f)
	}
	if bob.frameCount() != before {
		t.Error("blocked message was broadcast")
	}
	if len(ha.messages.created) != 0 {
		t.Error("blocked message was persisted")
	}
	if ha.rates.calls != 0 {
		t.Error("blocked message recorded a rate event")
	}
}

func TestMessagePersistenceFailureSuppressesBroadcast(t *testing.T) {
	ha := newHarness()
	ha.messages.err = errors.New("connection refused")

	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	ha.h.Connect(alice, "general", "alice")
	ha.h.Connect(bob, "general", "bob")

	before := bob.frameCount()
	ha.h.Message(alice, []byte(`{"message":"hello"}`))

	f := alice.lastError(t)
	if f.Error != protocol.ErrServer || f.ModerationBlocked {
		t.Errorf("error frame = %+v", f)
	}
	if bob.frameCount() != before {
		t.Error("unpersisted message was broadcast")
	}
	if ha.rates.calls != 0 {
		t.Error("unpersisted message recorded a rate event")
	}
}

func TestMessagePanicRecovered(t *testing.T) {
	ha := newHarness()
	ha.moderator.panics = true

	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	ha.h.Message(alice, []byte(`{"message":"hello"}`)) // must not panic the test

	if f := alice.lastError(t); f.Error != protocol.ErrServer {
		t.Errorf("error frame = %+v", f)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	ha := newHarness()

	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	ha.h.Connect(alice, "general", "alice")
	ha.h.Connect(bob, "general", "bob")

	ha.h.Disconnect(alice)

	f := bob.lastChat(t)
	if f.Username != SystemUsername || !strings.Contains(f.Message, "alice left") {
		t.Errorf("leave notice = %+v", f)
	}

	// Frames published after the disconnect never reach alice.
	before := alice.frameCount()
	ha.h.Message(bob, []byte(`{"message":"are you there?"}`))
	if alice.frameCount() != before {
		t.Error("disconnected member still received a broadcast")
	}

	// A second disconnect is a no-op.
	ha.h.Disconnect(alice)
}

func TestRoomResolutionRetriedOnMessage(t *testing.T) {
	ha := newHarness()
	ha.rooms.err = errors.New("db down")

	alice := &fakeConn{id: "c1"}
	ha.h.Connect(alice, "general", "alice")

	// Still down: the message fails with a server error.
	ha.h.Message(alice, []byte(`{"message":"hello"}`))
	if f := alice.lastError(t); f.Error != protocol.ErrServer {
		t.Errorf("error frame = %+v", f)
	}

	// Recovered: the next message resolves the room and goes through.
	ha.rooms.err = nil
	ha.h.Message(alice, []byte(`{"message":"hello again"}`))
	if len(ha.messages.created) != 1 {
		t.Fatalf("persisted %d messages after recovery, want 1", len(ha.messages.created))
	}
}
