// Package ws handles WebSocket connection management: upgrading HTTP
// requests on the room-scoped /ws/{room} path, tracking active connections,
// and dispatching incoming frames to the session layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// TokenVerifier resolves an identity token to a username. Implemented by
// auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Handler receives connection lifecycle events and inbound frames. OnMessage
// and OnDisconnect are called from worker goroutines; OnConnect from the
// upgrade handler.
type Handler interface {
	OnConnect(c *Connection)
	OnMessage(c *Connection, data []byte)
	OnDisconnect(c *Connection)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data-frame payload
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultMaxFrameBytes bounds a single data frame's declared payload length.
// Well above any legal chat message, well below anything worth allocating
// for a client that lies in the frame header.
const DefaultMaxFrameBytes = 64 * 1024

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket transport built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections on /ws/{room}, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. Room membership and message
// semantics live in the session layer behind the Handler interface.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	verifier   TokenVerifier
	handler    Handler
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	closeOnce  sync.Once
}

// NewServer creates a Server with the given configuration, token verifier
// and event handler. The verifier may be nil, in which case every connection
// stays unauthenticated and the session layer rejects its messages.
func NewServer(config ServerConfig, verifier TokenVerifier, handler Handler) *Server {
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		verifier:   verifier,
		handler:    handler,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	// Detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// roomFromPath extracts the room name from a /ws/{room} request path.
func roomFromPath(path string) (string, bool) {
	name := strings.TrimPrefix(path, "/ws/")
	name = strings.TrimSuffix(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name, true
}

// handleUpgrade upgrades an HTTP request on /ws/{room} to a WebSocket
// connection. The identity token, if any, is taken from the "token" query
// parameter and verified before the upgrade; a missing or invalid token
// leaves the connection unauthenticated rather than refusing it, so the
// client receives a readable error frame when it first tries to speak.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	roomName, ok := roomFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "room name required", http.StatusBadRequest)
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var username string
	if s.verifier != nil {
		if u, err := s.verifier.Verify(r.URL.Query().Get("token")); err == nil {
			username = u
		} else {
			log.Printf("ws: token rejected for room %q: %v", roomName, err)
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		id:        uuid.New().String(),
		Conn:      conn,
		Fd:        socketFD(conn),
		RoomName:  roomName,
		Username:  username,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.id, err)
		s.conns.Remove(c.id)
		return
	}

	if s.handler != nil {
		s.handler.OnConnect(c)
	}

	log.Printf("ws: new connection id=%s room=%q user=%q fd=%d (total=%d)",
		c.id, roomName, username, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// The declared length comes from the client. Never allocate for a frame
	// no legal message could need; drop the connection instead.
	if header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: oversized frame (%d bytes) on conn %s, closing", header.Length, c.id)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.handler != nil {
		s.handler.OnMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.id) {
		return
	}

	if s.handler != nil {
		s.handler.OnDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s room=%q (total=%d)", c.id, c.RoomName, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.Send(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
