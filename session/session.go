// Package session maintains live connections to trusted peers: typed message
// exchange, keepalive, reconnection, and the inbound listener.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lanlink/protocol"
)

// SessionState is the observable lifecycle state of a peer link.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
)

var (
	// ErrNotPaired indicates a connect attempt to a peer with no trust
	// record.
	ErrNotPaired = errors.New("session: peer is not paired")
	// ErrNotConnected indicates a send without a live session.
	ErrNotConnected = errors.New("session: no live session for peer")
	// ErrClosed indicates the manager has shut down.
	ErrClosed = errors.New("session: manager is closed")
)

const farewellDrainTimeout = 2 * time.Second

// session is one live transport to a peer. A single writer goroutine drains
// the outbound queue so frames go out in submission order.
type session struct {
	peerID string
	conn   net.Conn
	reader *protocol.Reader

	outbound chan []byte

	// lastActivity moves on any frame in either direction and decides when
	// to ping; lastRead moves on inbound frames only and decides when the
	// link is lost, so our own pings cannot keep a dead peer alive.
	lastActivity atomic.Int64
	lastRead     atomic.Int64

	stopOnce sync.Once
	stopping chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.Mutex
	closeErr error

	// set when the peer sent a farewell or we initiated the close;
	// a clean close never triggers reconnection.
	clean atomic.Bool
}

// newSession wraps an open transport. reader may carry frames buffered while
// the connection was being classified; pass nil to start from the socket.
func newSession(peerID string, conn net.Conn, reader *protocol.Reader, queueSize int) *session {
	if reader == nil {
		reader = protocol.NewReader(conn)
	}
	s := &session{
		peerID:   peerID,
		conn:     conn,
		reader:   reader,
		outbound: make(chan []byte, queueSize),
		stopping: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.touchRead()
	go s.writeLoop()
	return s
}

func (s *session) touchWrite() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) touchRead() {
	now := time.Now().UnixNano()
	s.lastActivity.Store(now)
	s.lastRead.Store(now)
}

func (s *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *session) silentFor() time.Duration {
	return time.Since(time.Unix(0, s.lastRead.Load()))
}

// enqueue appends a frame to the outbound queue, blocking when the queue is
// full so senders feel backpressure rather than losing frames.
func (s *session) enqueue(frame []byte) error {
	select {
	case <-s.closed:
		return ErrNotConnected
	case <-s.stopping:
		return ErrNotConnected
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.closed:
		return ErrNotConnected
	case <-s.stopping:
		return ErrNotConnected
	}
}

// tryEnqueue is the non-blocking variant used for the farewell frame.
func (s *session) tryEnqueue(frame []byte) {
	select {
	case s.outbound <- frame:
	default:
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			if _, err := s.conn.Write(frame); err != nil {
				s.fail(err)
				return
			}
			s.touchWrite()
		case <-s.stopping:
			s.drainAndClose()
			return
		case <-s.closed:
			return
		}
	}
}

// drainAndClose flushes whatever is already queued, then closes the
// transport. Used for graceful shutdown so a farewell frame reaches the
// peer before the socket drops.
func (s *session) drainAndClose() {
	deadline := time.Now().Add(farewellDrainTimeout)
	_ = s.conn.SetWriteDeadline(deadline)
	for {
		select {
		case frame := <-s.outbound:
			if _, err := s.conn.Write(frame); err != nil {
				s.finish(nil)
				return
			}
		default:
			s.finish(nil)
			return
		}
	}
}

// stop initiates a graceful close: the writer drains the queue and then
// closes the transport.
func (s *session) stop() {
	s.clean.Store(true)
	s.stopOnce.Do(func() {
		close(s.stopping)
	})
}

// fail tears the session down immediately with a transport error.
func (s *session) fail(err error) {
	s.finish(err)
}

func (s *session) finish(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()
		_ = s.conn.Close()
		close(s.closed)
	})
}

func (s *session) lastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closeErr
}
