// Package pairing implements the one-time trust handshake between two
// devices. A successful exchange leaves a trust record on both sides and
// hands the open transport to the session layer.
package pairing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"lanlink/device"
	"lanlink/discovery"
	"lanlink/protocol"
	"lanlink/trust"
)

const (
	// DefaultDialTimeout bounds the TCP dial to the advertised endpoint.
	DefaultDialTimeout = 10 * time.Second
	// DefaultResponseTimeout bounds the wait for the peer's decision.
	DefaultResponseTimeout = 10 * time.Second
)

var (
	// ErrAlreadyInProgress indicates a pairing attempt with the same peer
	// is still pending.
	ErrAlreadyInProgress = errors.New("pairing: attempt already in progress for this peer")
	// ErrTimedOut indicates the peer never answered, or went away before
	// answering.
	ErrTimedOut = errors.New("pairing: timed out waiting for peer decision")
	// ErrRejected indicates the peer declined the request.
	ErrRejected = errors.New("pairing: request rejected by peer")
)

// RejectedError carries the peer's stated reason for declining.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("pairing: request rejected by peer: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Handoff carries the outcome of a successful pairing: the peer and the
// still-open transport, ready for adoption by the session layer. Reader, when
// set, wraps Conn and may hold frames already buffered during the handshake;
// the adopter must keep reading through it.
type Handoff struct {
	Peer   discovery.PeerRecord
	Conn   net.Conn
	Reader *protocol.Reader
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Coordinator.
type Options struct {
	Identity        device.Identity
	Store           *trust.Store
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	Logger          zerolog.Logger

	dial dialFunc
}

// Coordinator runs the initiator and responder sides of the handshake.
type Coordinator struct {
	identity        device.Identity
	store           *trust.Store
	dialTimeout     time.Duration
	responseTimeout time.Duration
	logger          zerolog.Logger
	dial            dialFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewCoordinator creates a coordinator with defaults applied.
func NewCoordinator(options Options) (*Coordinator, error) {
	if options.Identity.ID == "" {
		return nil, errors.New("pairing: identity ID is required")
	}
	if options.Store == nil {
		return nil, errors.New("pairing: trust store is required")
	}

	dialTimeout := options.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	responseTimeout := options.ResponseTimeout
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	dial := options.dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	return &Coordinator{
		identity:        options.Identity,
		store:           options.Store,
		dialTimeout:     dialTimeout,
		responseTimeout: responseTimeout,
		logger:          options.Logger,
		dial:            dial,
		inFlight:        make(map[string]struct{}),
	}, nil
}

// Initiate dials the peer's advertised endpoint and asks it to pair. It
// blocks until the peer answers, the context is canceled, or the response
// timeout passes. The peer dropping the connection without answering counts
// as a timeout. On acceptance the trust record is persisted and the open
// transport is returned for session adoption.
func (c *Coordinator) Initiate(ctx context.Context, peer discovery.PeerRecord, proof string) (*Handoff, error) {
	if peer.PeerID == "" {
		return nil, errors.New("pairing: peer ID is required")
	}

	c.mu.Lock()
	if _, pending := c.inFlight[peer.PeerID]; pending {
		c.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}
	c.inFlight[peer.PeerID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, peer.PeerID)
		c.mu.Unlock()
	}()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	address := net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port))
	conn, err := c.dial(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("pairing: dial %s: %w", address, err)
	}

	handoff, err := c.exchange(ctx, conn, peer, proof)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return handoff, nil
}

func (c *Coordinator) exchange(ctx context.Context, conn net.Conn, peer discovery.PeerRecord, proof string) (*Handoff, error) {
	request := protocol.Envelope{
		Kind: protocol.KindPairingRequest,
		Payload: protocol.PairingRequest{
			ID:           c.identity.ID,
			Name:         c.identity.Name,
			DeviceType:   string(c.identity.Kind),
			Capabilities: c.identity.Capabilities,
			Proof:        proof,
		},
	}
	if err := protocol.WriteEnvelope(conn, request); err != nil {
		return nil, fmt.Errorf("pairing: send request: %w", err)
	}

	deadline := time.Now().Add(c.responseTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("pairing: set deadline: %w", err)
	}

	reader := protocol.NewReader(conn)
	for {
		env, err := reader.Next()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrTimedOut
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				// Peer went away without answering.
				return nil, ErrTimedOut
			}
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Debug().Err(err).Str("peer_id", peer.PeerID).Msg("dropping malformed envelope during pairing")
				continue
			}
			return nil, fmt.Errorf("pairing: read response: %w", err)
		}

		switch env.Kind {
		case protocol.KindPairingAccepted:
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, fmt.Errorf("pairing: clear deadline: %w", err)
			}
			record := trust.Record{
				PeerID:      peer.PeerID,
				DisplayName: peer.DisplayName,
				Credential:  DeriveCredential(proof, c.identity.ID, peer.PeerID),
			}
			if err := c.store.Upsert(record); err != nil {
				return nil, fmt.Errorf("pairing: persist trust record: %w", err)
			}
			c.logger.Info().Str("peer_id", peer.PeerID).Str("peer_name", peer.DisplayName).Msg("pairing accepted")
			return &Handoff{Peer: peer, Conn: conn, Reader: reader}, nil
		case protocol.KindPairingRejected:
			rejected, _ := env.Payload.(protocol.PairingRejected)
			c.logger.Info().Str("peer_id", peer.PeerID).Str("reason", rejected.Reason).Msg("pairing rejected")
			return nil, &RejectedError{Reason: rejected.Reason}
		default:
			// Unrelated traffic does not resolve the attempt.
			continue
		}
	}
}

// Respond answers an inbound pairing request on its connection. When accept
// is true the trust record is persisted before the acceptance goes out, so a
// crash between the two never leaves the initiator trusting a responder that
// forgot it. The connection stays open for session adoption.
func (c *Coordinator) Respond(conn net.Conn, request protocol.PairingRequest, accept bool, reason string) (*Handoff, error) {
	if request.ID == "" {
		return nil, errors.New("pairing: request has no device ID")
	}

	if !accept {
		rejection := protocol.Envelope{
			Kind:    protocol.KindPairingRejected,
			Payload: protocol.PairingRejected{PeerID: c.identity.ID, Reason: reason},
		}
		if err := protocol.WriteEnvelope(conn, rejection); err != nil {
			return nil, fmt.Errorf("pairing: send rejection: %w", err)
		}
		return nil, nil
	}

	record := trust.Record{
		PeerID:      request.ID,
		DisplayName: request.Name,
		Credential:  DeriveCredential(request.Proof, c.identity.ID, request.ID),
	}
	if err := c.store.Upsert(record); err != nil {
		return nil, fmt.Errorf("pairing: persist trust record: %w", err)
	}

	acceptance := protocol.Envelope{
		Kind:    protocol.KindPairingAccepted,
		Payload: protocol.PairingAccepted{PeerID: c.identity.ID},
	}
	if err := protocol.WriteEnvelope(conn, acceptance); err != nil {
		return nil, fmt.Errorf("pairing: send acceptance: %w", err)
	}

	c.logger.Info().Str("peer_id", request.ID).Str("peer_name", request.Name).Msg("accepted pairing request")
	return &Handoff{
		Peer: discovery.PeerRecord{
			PeerID:       request.ID,
			DisplayName:  request.Name,
			Kind:         device.ParseKind(request.DeviceType),
			Capabilities: request.Capabilities,
		},
		Conn: conn,
	}, nil
}

// DeriveCredential derives the durable pairing credential both sides store.
// The derivation is symmetric in the two device IDs so initiator and
// responder arrive at the same value.
func DeriveCredential(proof, deviceA, deviceB string) string {
	ids := []string{deviceA, deviceB}
	sort.Strings(ids)

	secret := []byte(proof)
	salt := []byte(ids[0] + "|" + ids[1])
	kdf := hkdf.New(sha256.New, secret, salt, []byte("lanlink pairing credential v1"))

	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		// SHA-256 HKDF cannot fail for a 32-byte read.
		panic(err)
	}
	return hex.EncodeToString(out)
}
