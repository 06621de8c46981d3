package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"lanlink/device"
	"lanlink/discovery"
	"lanlink/pairing"
	"lanlink/protocol"
	"lanlink/trust"
)

const (
	// DefaultConnectTimeout bounds the dial plus first-frame write.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultIdleTimeout is how long a silent link survives. A ping goes
	// out at half this, and the link is declared lost when nothing at all
	// is heard for the full duration.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultWriteQueueSize is the per-session outbound queue depth.
	DefaultWriteQueueSize = 64
	// DefaultReconnectInitial is the first reconnect delay.
	DefaultReconnectInitial = time.Second
	// DefaultReconnectMax caps the reconnect delay.
	DefaultReconnectMax = 60 * time.Second
	// DefaultReconnectAttempts bounds a reconnect run before giving up.
	DefaultReconnectAttempts = 8
)

// Handler consumes inbound envelopes of one kind.
type Handler func(peerID string, env protocol.Envelope)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Manager.
type Options struct {
	Identity device.Identity
	Store    *trust.Store
	Pairing  *pairing.Coordinator

	// KeyPolicy answers inbound pairing requests. When nil all inbound
	// pairing is rejected.
	KeyPolicy *pairing.KeyPolicy

	// ListenAddress for inbound links, ":1716" by default. Use ":0" to
	// let the OS pick; Addr() reports the bound port for advertising.
	ListenAddress string

	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	WriteQueueSize    int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts uint64

	// OnUnhandled observes inbound envelopes with no registered handler.
	OnUnhandled func(peerID string, env protocol.Envelope)

	Logger zerolog.Logger

	dial dialFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(discovery.DefaultPort)
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.WriteQueueSize <= 0 {
		out.WriteQueueSize = DefaultWriteQueueSize
	}
	if out.ReconnectInitial <= 0 {
		out.ReconnectInitial = DefaultReconnectInitial
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = DefaultReconnectMax
	}
	if out.ReconnectAttempts == 0 {
		out.ReconnectAttempts = DefaultReconnectAttempts
	}
	if out.dial == nil {
		out.dial = (&net.Dialer{}).DialContext
	}
	return out
}

// Manager owns all live sessions and the inbound listener.
type Manager struct {
	opts Options

	mu               sync.RWMutex
	sessions         map[string]*session
	states           map[string]SessionState
	records          map[string]discovery.PeerRecord
	reconnectCancels map[string]context.CancelFunc
	suppress         map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[protocol.Kind]Handler

	listener net.Listener

	errs chan error

	closeOnce sync.Once
	closedCh  chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a manager. Call Start to begin accepting inbound links.
func NewManager(options Options) (*Manager, error) {
	if options.Identity.ID == "" {
		return nil, errors.New("session: identity ID is required")
	}
	if options.Store == nil {
		return nil, errors.New("session: trust store is required")
	}

	return &Manager{
		opts:             options.withDefaults(),
		sessions:         make(map[string]*session),
		states:           make(map[string]SessionState),
		records:          make(map[string]discovery.PeerRecord),
		reconnectCancels: make(map[string]context.CancelFunc),
		suppress:         make(map[string]struct{}),
		handlers:         make(map[protocol.Kind]Handler),
		errs:             make(chan error, 16),
		closedCh:         make(chan struct{}),
	}, nil
}

// Start binds the listener and begins accepting inbound connections.
func (m *Manager) Start() error {
	listener, err := net.Listen("tcp", m.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("session: listen on %s: %w", m.opts.ListenAddress, err)
	}

	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(listener)

	m.opts.Logger.Info().Str("address", listener.Addr().String()).Msg("listening for peer connections")
	return nil
}

// Addr reports the bound listener address, nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Errors delivers asynchronous failures: listener trouble, reconnect
// exhaustion, transport losses. Never blocks producers; stale errors are
// dropped when the consumer falls behind.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// RegisterHandler installs the handler for one envelope kind, replacing any
// previous one. Builtin kinds (ping, pong, disconnect, pairing and
// device-info handshakes) are consumed internally and never dispatched.
func (m *Manager) RegisterHandler(kind protocol.Kind, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[kind] = handler
}

// State reports the current link state for a peer.
func (m *Manager) State(peerID string) SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[peerID]; ok {
		return state
	}
	return StateDisconnected
}

// ListTrusted returns all trust records.
func (m *Manager) ListTrusted() ([]trust.Record, error) {
	return m.opts.Store.LoadAll()
}

// Forget revokes trust for a peer and drops any live session to it.
func (m *Manager) Forget(peerID string) (bool, error) {
	removed, err := m.opts.Store.Remove(peerID)
	if err != nil {
		return false, err
	}
	m.Disconnect(peerID)
	return removed, nil
}

// ForgetAll revokes all trust and drops every live session.
func (m *Manager) ForgetAll() error {
	if err := m.opts.Store.ClearAll(); err != nil {
		return err
	}
	for _, s := range m.snapshotSessions() {
		m.Disconnect(s.peerID)
	}
	return nil
}

// Connect establishes an outbound session to a paired peer. It fails fast
// with ErrNotPaired before touching the network when no trust record exists.
func (m *Manager) Connect(ctx context.Context, peer discovery.PeerRecord) error {
	if m.isClosed() {
		return ErrClosed
	}

	trusted, err := m.opts.Store.IsTrusted(peer.PeerID)
	if err != nil {
		return err
	}
	if !trusted {
		return ErrNotPaired
	}

	m.mu.Lock()
	if _, live := m.sessions[peer.PeerID]; live {
		m.mu.Unlock()
		return nil
	}
	if m.states[peer.PeerID] == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.states[peer.PeerID] = StateConnecting
	m.records[peer.PeerID] = peer
	delete(m.suppress, peer.PeerID)
	m.mu.Unlock()

	conn, err := m.dialAndGreet(ctx, peer)
	if err != nil {
		m.mu.Lock()
		if m.states[peer.PeerID] == StateConnecting {
			m.states[peer.PeerID] = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}

	m.register(peer.PeerID, conn, nil)
	m.opts.Logger.Info().Str("peer_id", peer.PeerID).Str("peer_name", peer.DisplayName).Msg("session established")
	return nil
}

func (m *Manager) dialAndGreet(ctx context.Context, peer discovery.PeerRecord) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	address := net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port))
	conn, err := m.opts.dial(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", address, err)
	}

	greeting := protocol.Envelope{
		Kind: protocol.KindDeviceInfo,
		Payload: protocol.DeviceInfo{
			ID:           m.opts.Identity.ID,
			Name:         m.opts.Identity.Name,
			DeviceType:   string(m.opts.Identity.Kind),
			Capabilities: m.opts.Identity.Capabilities,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.ConnectTimeout))
	if err := protocol.WriteEnvelope(conn, greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: send device info: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Adopt registers the transport left open by a completed pairing exchange.
func (m *Manager) Adopt(handoff *pairing.Handoff) error {
	if m.isClosed() {
		handoff.Conn.Close()
		return ErrClosed
	}

	m.mu.Lock()
	m.records[handoff.Peer.PeerID] = handoff.Peer
	delete(m.suppress, handoff.Peer.PeerID)
	m.mu.Unlock()

	m.register(handoff.Peer.PeerID, handoff.Conn, handoff.Reader)
	m.opts.Logger.Info().Str("peer_id", handoff.Peer.PeerID).Msg("adopted pairing transport as session")
	return nil
}

// register installs a live session for the peer, replacing any existing one,
// and starts its read and keepalive loops.
func (m *Manager) register(peerID string, conn net.Conn, reader *protocol.Reader) {
	if m.isClosed() {
		conn.Close()
		return
	}

	s := newSession(peerID, conn, reader, m.opts.WriteQueueSize)

	m.mu.Lock()
	if old, ok := m.sessions[peerID]; ok {
		old.clean.Store(true)
		old.finish(nil)
	}
	if cancel, ok := m.reconnectCancels[peerID]; ok {
		cancel()
		delete(m.reconnectCancels, peerID)
	}
	m.sessions[peerID] = s
	m.states[peerID] = StateConnected
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(s)
	go m.keepAliveLoop(s)
}

// Disconnect closes the session to a peer with a best-effort farewell and
// suppresses reconnection. Disconnecting an unconnected peer is a no-op.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.suppress[peerID] = struct{}{}
	if cancel, ok := m.reconnectCancels[peerID]; ok {
		cancel()
		delete(m.reconnectCancels, peerID)
	}
	delete(m.sessions, peerID)
	m.states[peerID] = StateDisconnected
	m.mu.Unlock()

	if s == nil {
		return
	}

	if frame, err := encodeFrame(protocol.Envelope{Kind: protocol.KindDisconnect}); err == nil {
		s.tryEnqueue(frame)
	}
	s.stop()
	m.opts.Logger.Info().Str("peer_id", peerID).Msg("session closed")
}

// Send queues one envelope for a connected peer. Frames from one sender go
// out in submission order. An envelope that fails to encode, including one
// over the size cap, is reported without disturbing the session.
func (m *Manager) Send(peerID string, env protocol.Envelope) error {
	m.mu.RLock()
	s := m.sessions[peerID]
	m.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}

	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func encodeFrame(env protocol.Envelope) ([]byte, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (m *Manager) readLoop(s *session) {
	defer m.wg.Done()

	reader := s.reader
	for {
		env, err := reader.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrPayloadTooLarge) {
				m.opts.Logger.Warn().Str("peer_id", s.peerID).Msg("dropping oversized inbound frame")
				continue
			}
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				m.opts.Logger.Warn().Str("peer_id", s.peerID).Err(err).Msg("dropping malformed inbound frame")
				continue
			}
			s.finish(err)
			m.onSessionDown(s, err)
			return
		}

		s.touchRead()

		switch env.Kind {
		case protocol.KindPing:
			if frame, err := encodeFrame(protocol.Envelope{Kind: protocol.KindPong}); err == nil {
				s.tryEnqueue(frame)
			}
		case protocol.KindPong:
			// Activity already recorded; nothing to deliver.
		case protocol.KindDisconnect:
			s.clean.Store(true)
			s.finish(nil)
			m.onSessionDown(s, nil)
			m.opts.Logger.Info().Str("peer_id", s.peerID).Msg("peer closed the session")
			return
		default:
			m.dispatch(s.peerID, env)
		}
	}
}

func (m *Manager) dispatch(peerID string, env protocol.Envelope) {
	m.handlersMu.RLock()
	handler := m.handlers[env.Kind]
	m.handlersMu.RUnlock()

	if handler != nil {
		handler(peerID, env)
		return
	}
	if m.opts.OnUnhandled != nil {
		m.opts.OnUnhandled(peerID, env)
		return
	}
	m.opts.Logger.Debug().Str("peer_id", peerID).Str("kind", string(env.Kind)).Msg("no handler for inbound envelope")
}

func (m *Manager) keepAliveLoop(s *session) {
	defer m.wg.Done()

	interval := m.opts.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if silent := s.silentFor(); silent >= m.opts.IdleTimeout {
				err := fmt.Errorf("session: nothing heard for %s", silent.Round(time.Second))
				s.fail(err)
				m.onSessionDown(s, err)
				return
			}
			if s.idleFor() >= m.opts.IdleTimeout/2 {
				if frame, err := encodeFrame(protocol.Envelope{Kind: protocol.KindPing}); err == nil {
					s.tryEnqueue(frame)
				}
			}
		case <-s.closed:
			return
		}
	}
}

// onSessionDown settles the state after a session ends: clean closes and
// explicitly disconnected peers go to Disconnected, everything else enters
// the reconnect cycle.
func (m *Manager) onSessionDown(s *session, cause error) {
	m.mu.Lock()
	if m.sessions[s.peerID] != s {
		// Already replaced or removed; nothing to settle.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.peerID)

	_, suppressed := m.suppress[s.peerID]
	record, haveRecord := m.records[s.peerID]

	if s.clean.Load() || suppressed || m.isClosed() || !haveRecord {
		m.states[s.peerID] = StateDisconnected
		m.mu.Unlock()
		return
	}

	m.states[s.peerID] = StateReconnecting
	ctx, cancel := context.WithCancel(context.Background())
	if old, ok := m.reconnectCancels[s.peerID]; ok {
		old()
	}
	m.reconnectCancels[s.peerID] = cancel
	m.mu.Unlock()

	if cause != nil {
		m.emitError(fmt.Errorf("session: lost link to %s: %w", s.peerID, cause))
	}
	m.opts.Logger.Warn().Str("peer_id", s.peerID).Err(cause).Msg("session lost, reconnecting")

	m.wg.Add(1)
	go m.reconnectLoop(ctx, record)
}

func (m *Manager) reconnectLoop(ctx context.Context, peer discovery.PeerRecord) {
	defer m.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.ReconnectInitial
	policy.MaxInterval = m.opts.ReconnectMax
	policy.MaxElapsedTime = 0

	attempt := func() error {
		// The freshest advertised endpoint wins over the one we lost.
		m.mu.RLock()
		if latest, ok := m.records[peer.PeerID]; ok {
			peer = latest
		}
		m.mu.RUnlock()
		return m.reconnectOnce(ctx, peer)
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, m.opts.ReconnectAttempts), ctx))

	m.mu.Lock()
	if cancel, ok := m.reconnectCancels[peer.PeerID]; ok {
		cancel()
		delete(m.reconnectCancels, peer.PeerID)
	}
	settled := m.states[peer.PeerID]
	if err != nil && settled == StateReconnecting {
		m.states[peer.PeerID] = StateDisconnected
	}
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.emitError(fmt.Errorf("session: gave up reconnecting to %s: %w", peer.PeerID, err))
		m.opts.Logger.Warn().Str("peer_id", peer.PeerID).Err(err).Msg("reconnect attempts exhausted")
	}
}

// reconnectOnce dials and greets without going through Connect, so the
// Reconnecting state stays observable for the whole cycle.
func (m *Manager) reconnectOnce(ctx context.Context, peer discovery.PeerRecord) error {
	select {
	case <-ctx.Done():
		return backoff.Permanent(ctx.Err())
	default:
	}

	conn, err := m.dialAndGreet(ctx, peer)
	if err != nil {
		return err
	}

	m.register(peer.PeerID, conn, nil)
	m.opts.Logger.Info().Str("peer_id", peer.PeerID).Msg("session re-established")
	return nil
}

// ObserveDiscovery consumes scanner events: it tracks the freshest endpoint
// per peer and connects automatically when a trusted peer appears without a
// live session.
func (m *Manager) ObserveDiscovery(events <-chan discovery.Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				m.handleDiscoveryEvent(event)
			case <-m.closedCh:
				return
			}
		}
	}()
}

func (m *Manager) handleDiscoveryEvent(event discovery.Event) {
	switch event.Type {
	case discovery.EventPeerAppeared, discovery.EventPeerUpdated:
		m.mu.Lock()
		m.records[event.Peer.PeerID] = event.Peer
		_, live := m.sessions[event.Peer.PeerID]
		_, suppressed := m.suppress[event.Peer.PeerID]
		state := m.states[event.Peer.PeerID]
		m.mu.Unlock()

		if live || suppressed || state == StateConnecting || state == StateReconnecting {
			return
		}

		trusted, err := m.opts.Store.IsTrusted(event.Peer.PeerID)
		if err != nil || !trusted {
			return
		}

		m.wg.Add(1)
		go func(peer discovery.PeerRecord) {
			defer m.wg.Done()
			if err := m.Connect(context.Background(), peer); err != nil && !errors.Is(err, ErrClosed) {
				m.opts.Logger.Debug().Str("peer_id", peer.PeerID).Err(err).Msg("auto-connect failed")
			}
		}(event.Peer)
	case discovery.EventPeerDisappeared:
		// Sessions outlive advertisements; keepalive decides liveness.
	}
}

func (m *Manager) acceptLoop(listener net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if m.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.emitError(fmt.Errorf("session: accept: %w", err))
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

// handleInbound classifies a fresh inbound connection by its first frame: a
// pairing request goes to the responder path, a device-info greeting from a
// trusted peer becomes a session, anything else is dropped.
func (m *Manager) handleInbound(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.ConnectTimeout))
	reader := protocol.NewReader(conn)
	env, err := reader.Next()
	if err != nil {
		m.opts.Logger.Debug().Err(err).Msg("dropping inbound connection, unreadable first frame")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch payload := env.Payload.(type) {
	case protocol.PairingRequest:
		m.respondToPairing(conn, reader, payload)
	case protocol.DeviceInfo:
		trusted, err := m.opts.Store.IsTrusted(payload.ID)
		if err != nil || !trusted {
			m.opts.Logger.Warn().Str("peer_id", payload.ID).Msg("dropping connection from unpaired peer")
			conn.Close()
			return
		}
		m.mu.Lock()
		if _, ok := m.records[payload.ID]; !ok {
			m.records[payload.ID] = discovery.PeerRecord{
				PeerID:       payload.ID,
				DisplayName:  payload.Name,
				Kind:         device.ParseKind(payload.DeviceType),
				Capabilities: payload.Capabilities,
			}
		}
		delete(m.suppress, payload.ID)
		m.mu.Unlock()
		m.register(payload.ID, conn, reader)
		m.opts.Logger.Info().Str("peer_id", payload.ID).Str("peer_name", payload.Name).Msg("accepted inbound session")
	default:
		m.opts.Logger.Debug().Str("kind", string(env.Kind)).Msg("dropping inbound connection, unexpected first frame")
		conn.Close()
	}
}

func (m *Manager) respondToPairing(conn net.Conn, reader *protocol.Reader, request protocol.PairingRequest) {
	if m.opts.Pairing == nil {
		conn.Close()
		return
	}

	accept := false
	reason := "pairing disabled"
	if m.opts.KeyPolicy != nil {
		accept, reason = m.opts.KeyPolicy.Evaluate(request.ID, request.Name, request.Proof)
	}

	handoff, err := m.opts.Pairing.Respond(conn, request, accept, reason)
	if err != nil {
		m.emitError(fmt.Errorf("session: answer pairing request from %s: %w", request.ID, err))
		conn.Close()
		return
	}
	if handoff == nil {
		// Rejected; the initiator closes its end.
		conn.Close()
		return
	}
	handoff.Reader = reader

	if m.opts.KeyPolicy != nil {
		if _, err := m.opts.KeyPolicy.Rotate(); err != nil {
			m.emitError(fmt.Errorf("session: rotate pairing key: %w", err))
		}
	}
	if err := m.Adopt(handoff); err != nil {
		m.emitError(err)
	}
}

func (m *Manager) snapshotSessions() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) emitError(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closedCh:
		return true
	default:
		return false
	}
}

// Close stops the listener, cancels reconnect workers, and closes every
// session with a farewell. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closedCh)

		m.mu.Lock()
		listener := m.listener
		m.listener = nil
		cancels := m.reconnectCancels
		m.reconnectCancels = make(map[string]context.CancelFunc)
		sessions := make([]*session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[string]*session)
		for id := range m.states {
			m.states[id] = StateDisconnected
		}
		m.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		for _, cancel := range cancels {
			cancel()
		}
		for _, s := range sessions {
			if frame, err := encodeFrame(protocol.Envelope{Kind: protocol.KindDisconnect}); err == nil {
				s.tryEnqueue(frame)
			}
			s.stop()
		}

		m.wg.Wait()
		close(m.errs)
	})
}
