// Package discovery makes the local device discoverable over mDNS and
// observes announcements from other devices on the same network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"lanlink/device"
	"lanlink/protocol"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultPort is the conventional listening port.
	DefaultPort = 1716
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultExpireAfter is how long a peer stays visible without being
	// re-advertised.
	DefaultExpireAfter = 30 * time.Second
)

// ErrNetworkUnavailable indicates no usable local network interface; callers
// retry after a backoff or a network-change signal.
var ErrNetworkUnavailable = errors.New("discovery: local network unavailable")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and scanning behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	ExpireAfter     time.Duration

	Identity device.Identity
	Port     int

	Logger zerolog.Logger

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ExpireAfter <= 0 {
		out.ExpireAfter = DefaultExpireAfter
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity ID is required")
	}
	if strings.TrimSpace(c.Identity.Name) == "" {
		return errors.New("identity name is required")
	}
	if c.Port <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity ID is required")
	}
	return nil
}

// Advertiser announces local device presence via mDNS.
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser with config defaults applied.
func NewAdvertiser(config Config) *Advertiser {
	return &Advertiser{cfg: config.withDefaults()}
}

// Start registers the mDNS announcement. Calling Start while already
// advertising withdraws the old announcement and registers the updated one.
func (a *Advertiser) Start() error {
	if err := a.cfg.validateForAdvertise(); err != nil {
		return err
	}

	txt := []string{
		"device_id=" + a.cfg.Identity.ID,
		"device_name=" + a.cfg.Identity.Name,
		"device_type=" + string(a.cfg.Identity.Kind),
		"version=" + strconv.Itoa(protocol.Version),
		"capabilities=" + strings.Join(a.cfg.Identity.Capabilities, ","),
	}

	server, err := a.cfg.registerFn(a.cfg.Identity.Name, a.cfg.Service, a.cfg.Domain, a.cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("%w: register mDNS service: %v", ErrNetworkUnavailable, err)
	}

	a.mu.Lock()
	old := a.server
	a.server = server
	a.mu.Unlock()

	if old != nil {
		old.Shutdown()
	}
	return nil
}

// Stop withdraws the announcement. Best effort: peers notice on their next
// browse at the latest.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
}

// Service bundles the advertiser and scanner behind one start/stop.
type Service struct {
	Advertiser *Advertiser
	Scanner    *Scanner
}

// Start starts advertising and scanning using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser := NewAdvertiser(cfg)
	if err := advertiser.Start(); err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{Advertiser: advertiser, Scanner: scanner}, nil
}

// Stop stops scanning and withdraws the announcement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
