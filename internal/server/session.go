package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/softadastra/chatcore/internal/protocol"
)

// Error kinds surfaced through the OnError handler.
var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrReadFailed      = errors.New("read failed")
	ErrWriteFailed     = errors.New("write failed")
	ErrIdleTimeout     = errors.New("idle timeout")
)

// writeWait bounds a single frame write before the connection is
// considered dead.
const writeWait = 10 * time.Second

// sendBuffer is the mailbox depth per session. Frames enqueued past a
// full mailbox are dropped, never blocked on.
const sendBuffer = 256

type frame struct {
	op   ws.OpCode
	data []byte
}

// Session is one WebSocket connection. All writes go through the send
// mailbox and are drained by a single writer goroutine, so frames
// reach the wire in enqueue order.
type Session struct {
	id     int64
	conn   net.Conn
	srv    *Server
	logger zerolog.Logger

	send chan frame
	done chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once
	closing   atomic.Bool

	limiter *rate.Limiter // nil when inbound rate limiting is off
}

func newSession(id int64, conn net.Conn, srv *Server) *Session {
	s := &Session{
		id:     id,
		conn:   conn,
		srv:    srv,
		logger: srv.logger.With().Int64("session_id", id).Logger(),
		send:   make(chan frame, sendBuffer),
		done:   make(chan struct{}),
	}
	if srv.opts.MessageRate > 0 {
		burst := srv.opts.MessageBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(srv.opts.MessageRate), burst)
	}
	return s
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() int64 { return s.id }

// SendText enqueues one text frame. After Close the frame is dropped
// silently.
func (s *Session) SendText(text string) {
	s.enqueue(ws.OpText, []byte(text))
}

// SendBinary enqueues one binary frame.
func (s *Session) SendBinary(data []byte) {
	s.enqueue(ws.OpBinary, data)
}

func (s *Session) enqueue(op ws.OpCode, data []byte) {
	if s.closing.Load() {
		return
	}
	select {
	case s.send <- frame{op: op, data: data}:
	default:
		// Mailbox full: drop rather than block the caller.
		s.logger.Debug().Msg("send mailbox full, frame dropped")
		s.srv.metrics.ErrorsTotal.Inc()
	}
}

// Close initiates a normal close. Idempotent.
func (s *Session) Close() {
	s.closeWith(ws.StatusNormalClosure, "")
}

// closeWith enqueues a close frame and wakes the writer. Frames still
// queued behind it are dropped by the writer's shutdown drain.
func (s *Session) closeWith(code ws.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		select {
		case s.send <- frame{op: ws.OpClose, data: ws.NewCloseFrameBody(code, reason)}:
		default:
			// Mailbox full; the writer will still see done and close
			// the connection without a close frame.
		}
		close(s.done)
	})
}

// terminate tears the connection down without a close frame, used on
// write errors where the peer is already gone.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
	})
	_ = s.conn.Close()
}

// allowInbound applies the per-session inbound message rate limit.
func (s *Session) allowInbound() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// writePump drains the mailbox onto the wire. It is the only goroutine
// that writes to the connection, which is what keeps frame order
// stable per session.
func (s *Session) writePump() {
	defer s.srv.wg.Done()

	var ticker *time.Ticker
	var pings <-chan time.Time
	if s.srv.opts.PingInterval > 0 {
		ticker = time.NewTicker(s.srv.opts.PingInterval)
		pings = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if f.op == ws.OpClose {
				_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, f.data)
				_ = s.conn.Close()
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, f.op, f.data); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.terminate()
				s.srv.dropSession(s, wrapSessionErr(ErrWriteFailed, err))
				return
			}
			s.srv.metrics.MessagesOutTotal.Inc()

		case <-pings:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				s.terminate()
				s.srv.dropSession(s, wrapSessionErr(ErrWriteFailed, err))
				return
			}

		case <-s.done:
			// Close requested. Pending data frames are dropped; only a
			// queued close frame still goes out.
			for {
				select {
				case f := <-s.send:
					if f.op != ws.OpClose {
						continue
					}
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, f.data)
					_ = s.conn.Close()
					return
				default:
					_ = s.conn.Close()
					return
				}
			}
		}
	}
}

// readPump reads client frames until the connection ends, dispatching
// each text message through the server.
func (s *Session) readPump() {
	defer s.srv.wg.Done()

	for {
		if s.srv.opts.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.IdleTimeout))
		}

		data, op, err := s.readMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if s.srv.opts.MaxMessageSize > 0 && int64(len(data)) > s.srv.opts.MaxMessageSize {
			s.logger.Debug().Int("size", len(data)).Msg("message exceeds size limit, closing")
			s.srv.metrics.ErrorsTotal.Inc()
			s.closeWith(ws.StatusMessageTooBig, "message too big")
			s.srv.dropSession(s, wrapSessionErr(ErrReadFailed, errors.New("message too big")))
			return
		}

		if op != ws.OpText {
			// The application protocol is text-only; binary frames are
			// counted and ignored.
			s.srv.metrics.MessagesInTotal.Inc()
			continue
		}

		s.srv.metrics.MessagesInTotal.Inc()

		if !s.allowInbound() {
			s.logger.Debug().Msg("inbound rate limit exceeded, message dropped")
			s.srv.metrics.ErrorsTotal.Inc()
			s.SendText(protocol.Serialize(&protocol.Envelope{
				Kind: protocol.KindError,
				Type: "error",
				Payload: protocol.KV(
					"code", "RATE_LIMIT_EXCEEDED",
					"text", "too many messages, slow down"),
			}))
			continue
		}

		s.srv.dispatch(s, string(data))
	}
}

// readMessage reads one complete client message. With AutoPingPong on
// (the default) control frames are answered inline by wsutil; with it
// off, pings are consumed without replies and only close frames are
// acknowledged.
func (s *Session) readMessage() ([]byte, ws.OpCode, error) {
	if s.srv.opts.AutoPingPong {
		return wsutil.ReadClientData(s.conn)
	}

	ctl := wsutil.ControlFrameHandler(s.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: ctl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			if hdr.OpCode == ws.OpClose {
				if err := ctl(hdr, rd); err != nil {
					return nil, 0, err
				}
				continue
			}
			if err := rd.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, 0, err
		}
		return data, hdr.OpCode, nil
	}
}

func (s *Session) handleReadError(err error) {
	// Already closing locally: any read error is just the connection
	// winding down.
	if s.closing.Load() {
		s.srv.dropSession(s, nil)
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Debug().Msg("idle timeout, closing")
		s.closeWith(ws.StatusNormalClosure, "idle timeout")
		s.srv.metrics.ErrorsTotal.Inc()
		s.srv.dropSession(s, ErrIdleTimeout)
		return
	}

	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) {
		// Peer closed; acknowledge and unwind quietly.
		s.closeWith(ws.StatusNormalClosure, "")
		s.srv.dropSession(s, nil)
		return
	}

	s.logger.Debug().Err(err).Msg("read failed")
	s.terminate()
	s.srv.metrics.ErrorsTotal.Inc()
	s.srv.dropSession(s, wrapSessionErr(ErrReadFailed, err))
}

func wrapSessionErr(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return errors.Join(kind, cause)
}
