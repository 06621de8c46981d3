package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lanlink/device"
)

const (
	// EventPeerAppeared is emitted the first time a peer becomes visible.
	EventPeerAppeared EventType = "peer_appeared"
	// EventPeerUpdated is emitted when a visible peer's metadata changes.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerDisappeared is emitted when a peer has not been seen within
	// the expiry window.
	EventPeerDisappeared EventType = "peer_disappeared"
)

// EventType identifies peer visibility updates.
type EventType string

// Event carries a visibility update for one peer.
type Event struct {
	Type EventType
	Peer PeerRecord
}

// PeerRecord describes a device currently visible on the network.
type PeerRecord struct {
	PeerID       string
	DisplayName  string
	Kind         device.Kind
	Version      int
	Address      string
	Port         int
	Capabilities []string
	FirstSeen    time.Time
	LastSeen     time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner maintains the set of visible peers with periodic and manual mDNS
// browse operations. A peer that misses a single browse window stays visible
// until ExpireAfter has elapsed since it was last seen.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu      sync.RWMutex
	peers   map[string]PeerRecord
	events  chan Event
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: create mDNS resolver: %v", ErrNetworkUnavailable, err)
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]PeerRecord),
	}, nil
}

// Start begins background scanning. A stopped scanner can be started again;
// each run gets a fresh events channel.
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events = make(chan Event, 128)
	s.refreshRequests = make(chan refreshRequest)
	s.peers = make(map[string]PeerRecord)
	s.running = true

	s.wg.Add(1)
	go s.loop(s.ctx, s.refreshRequests)
	return nil
}

// Stop stops background scanning and closes the events channel.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	events := s.events
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	close(events)
}

// Events provides asynchronous visibility updates for the current run.
func (s *Scanner) Events() <-chan Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Refresh triggers an immediate browse and waits for it to finish.
func (s *Scanner) Refresh(ctx context.Context) error {
	s.mu.RLock()
	running := s.running
	runCtx := s.ctx
	requests := s.refreshRequests
	s.mu.RUnlock()

	if !running {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return errors.New("scanner is stopped")
	}
}

// ListPeers returns a snapshot of the currently visible peers sorted by name.
func (s *Scanner) ListPeers() []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerRecord, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func (s *Scanner) loop(ctx context.Context, requests chan refreshRequest) {
	defer s.wg.Done()

	// Prime the visible peer set immediately.
	s.runScan(ctx, context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(ctx, context.Background()); err != nil {
				s.cfg.Logger.Warn().Err(err).Msg("mDNS browse failed")
			}
		case req := <-requests:
			req.done <- s.runScan(ctx, req.ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(runCtx, requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(runCtx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]PeerRecord)
	var seenMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.Identity.ID)
				if !ok {
					continue
				}
				peer.LastSeen = s.cfg.now()
				seenMu.Lock()
				seen[peer.PeerID] = peer
				seenMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	seenMu.Lock()
	observed := seen
	seenMu.Unlock()

	s.merge(observed)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// merge folds one browse result into the visible set. Peers absent from the
// browse keep their last record until ExpireAfter passes, so a single missed
// multicast response does not flap appeared/disappeared events.
func (s *Scanner) merge(observed map[string]PeerRecord) {
	now := s.cfg.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range observed {
		old, exists := s.peers[id]
		if !exists {
			peer.FirstSeen = peer.LastSeen
			s.peers[id] = peer
			s.emit(Event{Type: EventPeerAppeared, Peer: peer})
			continue
		}
		peer.FirstSeen = old.FirstSeen
		s.peers[id] = peer
		if !peersEqual(old, peer) {
			s.emit(Event{Type: EventPeerUpdated, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, ok := observed[id]; ok {
			continue
		}
		if now.Sub(peer.LastSeen) >= s.cfg.ExpireAfter {
			delete(s.peers, id)
			s.emit(Event{Type: EventPeerDisappeared, Peer: peer})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.cfg.Logger.Debug().Str("peer_id", event.Peer.PeerID).Str("event", string(event.Type)).Msg("dropping discovery event, consumer is behind")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (PeerRecord, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["device_id"])
	if peerID == "" || peerID == selfID {
		return PeerRecord{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	address := ""
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		address = ip.String()
		break
	}

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = peerID
	}

	var capabilities []string
	if raw := strings.TrimSpace(txt["capabilities"]); raw != "" {
		for _, cap := range strings.Split(raw, ",") {
			if cap = strings.TrimSpace(cap); cap != "" {
				capabilities = append(capabilities, cap)
			}
		}
	}

	return PeerRecord{
		PeerID:       peerID,
		DisplayName:  name,
		Kind:         device.ParseKind(txt["device_type"]),
		Version:      version,
		Address:      address,
		Port:         entry.Port,
		Capabilities: capabilities,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b PeerRecord) bool {
	if a.PeerID != b.PeerID ||
		a.DisplayName != b.DisplayName ||
		a.Kind != b.Kind ||
		a.Version != b.Version ||
		a.Address != b.Address ||
		a.Port != b.Port ||
		len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
