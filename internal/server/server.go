// Package server implements the WebSocket hub: connection acceptance,
// per-session read/write pumps, room membership and fan-out.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/softadastra/chatcore/internal/metrics"
	"github.com/softadastra/chatcore/internal/protocol"
)

// MessageBridge receives every successfully parsed inbound envelope
// before the typed user handler runs. The long-polling bridge
// implements it.
type MessageBridge interface {
	OnWSMessage(env *protocol.Envelope)
}

// Options configures the hub and its sessions.
type Options struct {
	Addr   string
	WSPath string // defaults to /ws

	MaxMessageSize int64
	IdleTimeout    time.Duration // 0 disables the idle close
	PingInterval   time.Duration // 0 disables server pings
	EnableDeflate  bool
	AutoPingPong   bool

	// Inbound per-session rate limit; 0 disables.
	MessageRate  float64
	MessageBurst int
}

// Server owns every live session and the room membership map, both
// guarded by one mutex held only in short critical sections and never
// across user callbacks.
type Server struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}
	bridge   MessageBridge

	handlersMu sync.RWMutex
	onOpen     func(*Session)
	onClose    func(*Session)
	onError    func(*Session, error)
	onMessage  func(*Session, string)
	onTyped    func(*Session, *protocol.Envelope)

	mux      *http.ServeMux
	httpSrv  *http.Server
	listener net.Listener

	nextID       int64
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	stopOnce     sync.Once
	stopped      chan struct{}
}

func New(opts Options, logger zerolog.Logger, m *metrics.Registry) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	s := &Server{
		opts:     opts,
		logger:   logger,
		metrics:  m,
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[string]map[*Session]struct{}),
		mux:      http.NewServeMux(),
		stopped:  make(chan struct{}),
	}
	s.mux.HandleFunc(opts.WSPath, s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Handle registers an extra HTTP route on the server mux. Must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// AttachLongPollingBridge installs the bridge that mirrors parsed
// envelopes; pass nil to detach.
func (s *Server) AttachLongPollingBridge(b MessageBridge) {
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
}

func (s *Server) currentBridge() MessageBridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Handler setters. Set-once-or-overwrite, not stackable.

func (s *Server) OnOpen(fn func(*Session)) {
	s.handlersMu.Lock()
	s.onOpen = fn
	s.handlersMu.Unlock()
}

func (s *Server) OnClose(fn func(*Session)) {
	s.handlersMu.Lock()
	s.onClose = fn
	s.handlersMu.Unlock()
}

func (s *Server) OnError(fn func(*Session, error)) {
	s.handlersMu.Lock()
	s.onError = fn
	s.handlersMu.Unlock()
}

func (s *Server) OnMessage(fn func(*Session, string)) {
	s.handlersMu.Lock()
	s.onMessage = fn
	s.handlersMu.Unlock()
}

func (s *Server) OnTypedMessage(fn func(*Session, *protocol.Envelope)) {
	s.handlersMu.Lock()
	s.onTyped = fn
	s.handlersMu.Unlock()
}

// Start binds the listener and begins serving. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	if s.opts.EnableDeflate {
		// gobwas/ws serves uncompressed frames; the knob is accepted
		// for config compatibility.
		s.logger.Warn().Msg("permessage-deflate requested but not negotiated")
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Str("ws_path", s.opts.WSPath).Msg("server listening")
	return nil
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down: no new connections, every session gets
// a going-away close, all pump goroutines are joined. Idempotent and
// always completes; shutdown errors are logged, not returned upward.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.shuttingDown.Store(true)

		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("http shutdown")
			}
			cancel()
		}

		s.mu.Lock()
		targets := make([]*Session, 0, len(s.sessions))
		for sess := range s.sessions {
			targets = append(targets, sess)
		}
		s.mu.Unlock()

		for _, sess := range targets {
			sess.closeWith(ws.StatusGoingAway, "server shutting down")
		}

		s.wg.Wait()
		s.logger.Info().Msg("server stopped")
		close(s.stopped)
	})
}

// ListenBlocking starts the server and blocks until Stop completes.
func (s *Server) ListenBlocking() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.stopped
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.SessionCount())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		s.metrics.ErrorsTotal.Inc()
		s.notifyError(nil, wrapSessionErr(ErrHandshakeFailed, err))
		return
	}

	sess := newSession(atomic.AddInt64(&s.nextID, 1), conn, s)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	sess.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("session open")

	// Stop may have snapshotted sessions between the shutdown check
	// above and the registration; close the latecomer itself.
	if s.shuttingDown.Load() {
		sess.closeWith(ws.StatusGoingAway, "server shutting down")
	}

	s.notifyOpen(sess)

	s.wg.Add(2)
	go sess.writePump()
	go sess.readPump()
}

// dropSession removes the session from the hub exactly once and runs
// the user close path: onError (when a reason exists) then onClose.
func (s *Server) dropSession(sess *Session, reason error) {
	sess.dropOnce.Do(func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		for room, members := range s.rooms {
			delete(members, sess)
			if len(members) == 0 {
				delete(s.rooms, room)
			}
		}
		s.mu.Unlock()

		s.metrics.ConnectionsActive.Dec()
		sess.logger.Debug().Msg("session closed")

		if reason != nil {
			s.notifyError(sess, reason)
		}
		s.notifyClose(sess)
	})
}

// dispatch runs the per-message pipeline: raw handler, parse, bridge,
// typed handler. Parse failures stop after the raw handler; the
// connection stays up.
func (s *Server) dispatch(sess *Session, text string) {
	s.handlersMu.RLock()
	raw := s.onMessage
	typed := s.onTyped
	s.handlersMu.RUnlock()

	if raw != nil {
		raw(sess, text)
	}

	env, ok := protocol.Parse(text)
	if !ok {
		sess.logger.Debug().Msg("unparseable message, typed dispatch skipped")
		return
	}

	if b := s.currentBridge(); b != nil {
		b.OnWSMessage(env)
	}

	if typed != nil {
		typed(sess, env)
	}
}

func (s *Server) notifyOpen(sess *Session) {
	s.handlersMu.RLock()
	fn := s.onOpen
	s.handlersMu.RUnlock()
	if fn != nil {
		fn(sess)
	}
}

func (s *Server) notifyClose(sess *Session) {
	s.handlersMu.RLock()
	fn := s.onClose
	s.handlersMu.RUnlock()
	if fn != nil {
		fn(sess)
	}
}

func (s *Server) notifyError(sess *Session, err error) {
	s.handlersMu.RLock()
	fn := s.onError
	s.handlersMu.RUnlock()
	if fn != nil {
		fn(sess, err)
	}
}

// JoinRoom adds the session to a room. Idempotent; joining a closing
// session is a no-op.
func (s *Server) JoinRoom(sess *Session, room string) {
	if sess == nil || room == "" || sess.closing.Load() {
		return
	}
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		s.rooms[room] = members
	}
	members[sess] = struct{}{}
	s.mu.Unlock()
}

// LeaveRoom removes the session from a room; no-op when absent.
func (s *Server) LeaveRoom(sess *Session, room string) {
	s.mu.Lock()
	if members, ok := s.rooms[room]; ok {
		delete(members, sess)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
}

// LeaveAllRooms removes the session from every room.
func (s *Server) LeaveAllRooms(sess *Session) {
	s.mu.Lock()
	for room, members := range s.rooms {
		delete(members, sess)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RoomCount returns the current membership size of a room.
func (s *Server) RoomCount(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// snapshotSessions prunes closing sessions and returns the live set.
func (s *Server) snapshotSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.closing.Load() {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// snapshotRoom prunes dead members and returns the room's live set.
func (s *Server) snapshotRoom(room string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(members))
	for sess := range members {
		if sess.closing.Load() {
			delete(members, sess)
			continue
		}
		out = append(out, sess)
	}
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return out
}

// BroadcastText enqueues text on every live session. Best-effort: one
// full mailbox does not affect the others.
func (s *Server) BroadcastText(text string) {
	for _, sess := range s.snapshotSessions() {
		sess.SendText(text)
	}
}

// BroadcastJSON serializes {type, payload} and broadcasts it.
func (s *Server) BroadcastJSON(msgType string, payload *protocol.Payload) {
	s.BroadcastText(protocol.Serialize(&protocol.Envelope{Type: msgType, Payload: payload}))
}

// BroadcastRoomText enqueues text on every live member of a room.
func (s *Server) BroadcastRoomText(room, text string) {
	for _, sess := range s.snapshotRoom(room) {
		sess.SendText(text)
	}
}

// BroadcastRoomJSON serializes {type, payload} and sends it to a room.
func (s *Server) BroadcastRoomJSON(room, msgType string, payload *protocol.Payload) {
	s.BroadcastRoomText(room, protocol.Serialize(&protocol.Envelope{Type: msgType, Payload: payload}))
}
