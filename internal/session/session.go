// Package session drives the per-connection lifecycle: joining a room on
// connect, running every inbound message through parsing, authentication and
// moderation, persisting and broadcasting accepted messages, and leaving the
// room on disconnect.
package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parlor/chat-service/internal/history"
	"github.com/parlor/chat-service/internal/hub"
	"github.com/parlor/chat-service/internal/metrics"
	"github.com/parlor/chat-service/internal/moderation"
	"github.com/parlor/chat-service/internal/protocol"
	"github.com/parlor/chat-service/internal/room"
	"github.com/parlor/chat-service/internal/ws"
)

// SystemUsername is the sender name on server-generated notices.
const SystemUsername = "System"

// DefaultMaxMessageRunes bounds message length before moderation. Longer
// input is truncated, not rejected.
const DefaultMaxMessageRunes = 1000

// opTimeout bounds each storage call made on the receive path.
const opTimeout = 5 * time.Second

// State is the lifecycle position of one connection's session.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

// Conn is the transport surface the session layer needs from a connection.
// Implemented by ws.Connection.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// RoomSource resolves (creating if needed) the room a session joins.
// Implemented by room.Store.
type RoomSource interface {
	GetOrCreate(ctx context.Context, name string) (*room.Room, error)
}

// Moderator decides accept or block for one message. Implemented by
// moderation.Pipeline.
type Moderator interface {
	Moderate(ctx context.Context, username string, rm *room.Room, content string) (moderation.Decision, error)
}

// MessageStore persists accepted messages and serves the room's recent
// history. Implemented by history.Store.
type MessageStore interface {
	Create(ctx context.Context, m *history.Message) error
	Recent(ctx context.Context, roomID int64, limit int) ([]history.Message, error)
}

// RateRecorder records one sent-message event for the sliding rate window.
// Implemented by ratelimit.Limiter.
type RateRecorder interface {
	Record(ctx context.Context, username string, roomID int64) error
}

type session struct {
	mu       sync.Mutex
	state    State
	username string
	roomName string
	key      string
	room     *room.Room // nil until the room row is resolved
}

// Handler owns all live sessions and implements the transport's event
// interface (ws.Handler).
type Handler struct {
	rooms     RoomSource
	moderator Moderator
	messages  MessageStore
	rates     RateRecorder
	hub       *hub.Hub
	maxRunes  int

	mu       sync.Mutex
	sessions map[string]*session // connection ID -> session
}

// NewHandler creates a session handler. maxRunes <= 0 selects the default
// message length cap.
func NewHandler(rooms RoomSource, moderator Moderator, messages MessageStore, rates RateRecorder, h *hub.Hub, maxRunes int) *Handler {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxMessageRunes
	}
	return &Handler{
		rooms:     rooms,
		moderator: moderator,
		messages:  messages,
		rates:     rates,
		hub:       h,
		maxRunes:  maxRunes,
		sessions:  make(map[string]*session),
	}
}

// OnConnect adapts the transport callback to Connect.
func (h *Handler) OnConnect(c *ws.Connection) {
	c.GroupKey = GroupKey(c.RoomName)
	h.Connect(c, c.RoomName, c.Username)
}

// OnMessage adapts the transport callback to Message.
func (h *Handler) OnMessage(c *ws.Connection, data []byte) {
	h.Message(c, data)
}

// OnDisconnect adapts the transport callback to Disconnect.
func (h *Handler) OnDisconnect(c *ws.Connection) {
	h.Disconnect(c)
}

// Connect establishes the session: derive the group key, resolve the room
// row, join the broadcast group and announce the arrival. Room resolution
// failures are not fatal here; the message path retries and answers with a
// server error if the room still cannot be resolved.
func (h *Handler) Connect(c Conn, roomName, username string) {
	sess := &session{
		state:    StateConnecting,
		username: username,
		roomName: roomName,
		key:      GroupKey(roomName),
	}

	h.mu.Lock()
	h.sessions[c.ID()] = sess
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	rm, err := h.rooms.GetOrCreate(ctx, roomName)
	if err != nil {
		log.Printf("session: resolve room %q for conn %s: %v", roomName, c.ID(), err)
	}

	sess.mu.Lock()
	sess.room = rm
	sess.state = StateJoined
	sess.mu.Unlock()

	if rm != nil {
		h.replayHistory(ctx, c, rm.ID)
	}

	h.hub.Join(sess.key, c)

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveRooms.Set(float64(h.hub.RoomCount()))

	if username != "" {
		h.announce(sess.key, username+" joined the room")
	}
}

// replayHistory sends the room's recent messages to a newly connected
// client, oldest first, before any live traffic. Best effort: a history
// outage degrades to an empty scrollback, never a failed connect.
func (h *Handler) replayHistory(ctx context.Context, c Conn, roomID int64) {
	msgs, err := h.messages.Recent(ctx, roomID, history.DefaultHistoryLimit)
	if err != nil {
		log.Printf("session: history replay for room %d: %v", roomID, err)
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		frame, err := protocol.NewChatFrame(msgs[i].Username, msgs[i].Content, msgs[i].CreatedAt)
		if err != nil {
			continue
		}
		if err := c.Send(frame); err != nil {
			return
		}
	}
}

// Disconnect tears the session down: leave the broadcast group and forget
// the session. Nothing persisted changes on disconnect.
func (h *Handler) Disconnect(c Conn) {
	h.mu.Lock()
	sess, ok := h.sessions[c.ID()]
	if ok {
		delete(h.sessions, c.ID())
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	alreadyClosed := sess.state == StateClosed
	sess.state = StateClosed
	username := sess.username
	key := sess.key
	sess.mu.Unlock()
	if alreadyClosed {
		return
	}

	h.hub.Leave(key, c.ID())

	metrics.ConnectionsTotal.Dec()
	metrics.ActiveRooms.Set(float64(h.hub.RoomCount()))

	if username != "" {
		h.announce(key, username+" left the room")
	}
}

// Message runs one inbound frame through the full receive path. Panics in
// any stage are recovered here so a single poisoned message cannot take the
// connection's worker down.
func (h *Handler) Message(c Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session: panic handling message on conn %s: %v", c.ID(), r)
			h.sendError(c, protocol.ErrServer)
		}
	}()

	h.mu.Lock()
	sess := h.sessions[c.ID()]
	h.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	state := sess.state
	username := sess.username
	sess.mu.Unlock()
	if state == StateClosed {
		return
	}

	in, err := protocol.ParseInbound(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		h.sendError(c, protocol.ErrInvalidFormat)
		return
	}

	if username == "" {
		h.sendError(c, protocol.ErrAuthRequired)
		return
	}

	// Only the exact "/join" placeholder is dropped; a message that merely
	// starts with it is ordinary content.
	content := strings.TrimSpace(in.Message)
	if content == "" || content == "/join" {
		return
	}
	content = truncateRunes(content, h.maxRunes)

	rm := h.ensureRoom(sess)
	if rm == nil {
		h.sendError(c, protocol.ErrServer)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	start := time.Now()
	decision, modErr := h.moderator.Moderate(ctx, username, rm, content)
	metrics.ModerationLatency.Observe(time.Since(start).Seconds())
	if modErr != nil {
		log.Printf("session: moderation dependencies degraded for conn %s: %v", c.ID(), modErr)
	}
	if decision.Blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		metrics.BlockedByStage.WithLabelValues(string(decision.Stage)).Inc()
		if frame, err := protocol.NewModerationBlockedFrame(decision.Reason); err == nil {
			_ = c.Send(frame)
		}
		return
	}

	// Persistence gates broadcast: an unpersisted message is never shown to
	// the room, and its rate event is never recorded.
	msg := &history.Message{
		RoomID:      rm.ID,
		Username:    username,
		Content:     content,
		IsModerated: true,
	}
	if err := h.messages.Create(ctx, msg); err != nil {
		log.Printf("session: persist message for conn %s: %v", c.ID(), err)
		h.sendError(c, protocol.ErrServer)
		return
	}

	if err := h.rates.Record(ctx, username, rm.ID); err != nil {
		log.Printf("session: record rate event for %q: %v", username, err)
	}

	frame, err := protocol.NewChatFrame(username, content, msg.CreatedAt)
	if err != nil {
		log.Printf("session: encode chat frame for conn %s: %v", c.ID(), err)
		return
	}
	if err := h.hub.Publish(sess.key, frame); err != nil {
		log.Printf("session: publish to room %q: %v", sess.key, err)
	}
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
}

// ensureRoom returns the session's room row, retrying the lookup if connect
// time resolution failed.
func (h *Handler) ensureRoom(sess *session) *room.Room {
	sess.mu.Lock()
	rm := sess.room
	roomName := sess.roomName
	sess.mu.Unlock()
	if rm != nil {
		return rm
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	rm, err := h.rooms.GetOrCreate(ctx, roomName)
	if err != nil {
		log.Printf("session: retry resolve room %q: %v", roomName, err)
		return nil
	}

	sess.mu.Lock()
	sess.room = rm
	sess.mu.Unlock()
	return rm
}

// announce broadcasts a system notice to a room. Best effort.
func (h *Handler) announce(key, text string) {
	frame, err := protocol.NewChatFrame(SystemUsername, text, time.Now())
	if err != nil {
		return
	}
	if err := h.hub.Publish(key, frame); err != nil {
		log.Printf("session: announce to room %q: %v", key, err)
	}
}

func (h *Handler) sendError(c Conn, reason string) {
	frame, err := protocol.NewErrorFrame(reason)
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
