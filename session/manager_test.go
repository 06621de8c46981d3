package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"lanlink/device"
	"lanlink/discovery"
	"lanlink/pairing"
	"lanlink/protocol"
	"lanlink/trust"
)

const testProof = "482913"

func newTestManager(t *testing.T, id, name string, mutate func(*Options)) (*Manager, *trust.Store) {
	t.Helper()

	store, _, err := trust.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	identity := device.Identity{ID: id, Name: name, Kind: device.KindLaptop, Capabilities: []string{"clipboard"}}
	coordinator, err := pairing.NewCoordinator(pairing.Options{Identity: identity, Store: store})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	options := Options{
		Identity:      identity,
		Store:         store,
		Pairing:       coordinator,
		ListenAddress: "127.0.0.1:0",
	}
	if mutate != nil {
		mutate(&options)
	}

	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, store
}

func pairStores(t *testing.T, a, b *trust.Store, aID, aName, bID, bName string) {
	t.Helper()
	credential := pairing.DeriveCredential(testProof, aID, bID)
	if err := a.Upsert(trust.Record{PeerID: bID, DisplayName: bName, Credential: credential}); err != nil {
		t.Fatalf("upsert trust record: %v", err)
	}
	if err := b.Upsert(trust.Record{PeerID: aID, DisplayName: aName, Credential: credential}); err != nil {
		t.Fatalf("upsert trust record: %v", err)
	}
}

func peerRecordFor(t *testing.T, m *Manager, id, name string) discovery.PeerRecord {
	t.Helper()
	addr, ok := m.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("expected TCP listener address, got %v", m.Addr())
	}
	return discovery.PeerRecord{PeerID: id, DisplayName: name, Address: "127.0.0.1", Port: addr.Port}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestConnectFailsFastWhenNotPaired(t *testing.T) {
	alice, _ := newTestManager(t, "alice-id", "Alice", nil)

	peer := discovery.PeerRecord{PeerID: "stranger-id", Address: "10.255.255.1", Port: 1}
	if err := alice.Connect(context.Background(), peer); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
	if alice.State("stranger-id") != StateDisconnected {
		t.Fatalf("expected Disconnected state for unpaired peer")
	}
}

func TestSendWithoutSessionReturnsErrNotConnected(t *testing.T) {
	alice, _ := newTestManager(t, "alice-id", "Alice", nil)

	err := alice.Send("nobody", protocol.Envelope{Kind: protocol.KindClipboardSync, Payload: protocol.ClipboardSync{Content: "hi"}})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionDeliversEnvelopesInOrder(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)

	var mu sync.Mutex
	var received []string
	bob, bobStore := newTestManager(t, "bob-id", "Bob", nil)
	bob.RegisterHandler(protocol.KindClipboardSync, func(peerID string, env protocol.Envelope) {
		payload := env.Payload.(protocol.ClipboardSync)
		mu.Lock()
		received = append(received, payload.Content)
		mu.Unlock()
	})

	pairStores(t, aliceStore, bobStore, "alice-id", "Alice", "bob-id", "Bob")

	if err := alice.Connect(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if alice.State("bob-id") != StateConnected {
		t.Fatalf("expected Connected state, got %s", alice.State("bob-id"))
	}

	for _, content := range []string{"first", "second", "third"} {
		if err := alice.Send("bob-id", protocol.Envelope{Kind: protocol.KindClipboardSync, Payload: protocol.ClipboardSync{Content: content}}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"first", "second", "third"} {
		if received[i] != want {
			t.Fatalf("out of order delivery: got %v", received)
		}
	}
}

func TestOversizedSendDoesNotKillSession(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)

	var mu sync.Mutex
	var received []string
	bob, bobStore := newTestManager(t, "bob-id", "Bob", nil)
	bob.RegisterHandler(protocol.KindClipboardSync, func(peerID string, env protocol.Envelope) {
		mu.Lock()
		received = append(received, env.Payload.(protocol.ClipboardSync).Content)
		mu.Unlock()
	})

	pairStores(t, aliceStore, bobStore, "alice-id", "Alice", "bob-id", "Bob")
	if err := alice.Connect(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	huge := strings.Repeat("x", protocol.MaxEnvelopeSize+1)
	err := alice.Send("bob-id", protocol.Envelope{Kind: protocol.KindClipboardSync, Payload: protocol.ClipboardSync{Content: huge}})
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	if alice.State("bob-id") != StateConnected {
		t.Fatalf("oversized send must not disturb the session, state is %s", alice.State("bob-id"))
	}
	if err := alice.Send("bob-id", protocol.Envelope{Kind: protocol.KindClipboardSync, Payload: protocol.ClipboardSync{Content: "still alive"}}); err != nil {
		t.Fatalf("Send after oversized failure failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "still alive"
	})
}

func TestDisconnectIsCleanOnBothSides(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)
	bob, bobStore := newTestManager(t, "bob-id", "Bob", nil)
	pairStores(t, aliceStore, bobStore, "alice-id", "Alice", "bob-id", "Bob")

	if err := alice.Connect(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return bob.State("alice-id") == StateConnected })

	alice.Disconnect("bob-id")

	if alice.State("bob-id") != StateDisconnected {
		t.Fatalf("expected Disconnected after Disconnect, got %s", alice.State("bob-id"))
	}
	// The farewell frame lets bob settle without entering reconnection.
	waitFor(t, 2*time.Second, func() bool { return bob.State("alice-id") == StateDisconnected })

	// Disconnecting an already disconnected peer is a no-op.
	alice.Disconnect("bob-id")
}

func TestBuiltinPingGetsPong(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)
	if err := aliceStore.Upsert(trust.Record{PeerID: "bob-id", DisplayName: "Bob", Credential: "c"}); err != nil {
		t.Fatalf("upsert trust record: %v", err)
	}

	conn, err := net.Dial("tcp", alice.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	greeting := protocol.Envelope{Kind: protocol.KindDeviceInfo, Payload: protocol.DeviceInfo{ID: "bob-id", Name: "Bob"}}
	if err := protocol.WriteEnvelope(conn, greeting); err != nil {
		t.Fatalf("send greeting: %v", err)
	}
	if err := protocol.WriteEnvelope(conn, protocol.Envelope{Kind: protocol.KindPing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := protocol.NewReader(conn).Next()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if env.Kind != protocol.KindPong {
		t.Fatalf("expected pong, got %q", env.Kind)
	}
}

func TestInboundConnectionFromUnpairedPeerIsDropped(t *testing.T) {
	alice, _ := newTestManager(t, "alice-id", "Alice", nil)

	conn, err := net.Dial("tcp", alice.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	greeting := protocol.Envelope{Kind: protocol.KindDeviceInfo, Payload: protocol.DeviceInfo{ID: "stranger-id", Name: "Stranger"}}
	if err := protocol.WriteEnvelope(conn, greeting); err != nil {
		t.Fatalf("send greeting: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.NewReader(conn).Next(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
	if alice.State("stranger-id") != StateDisconnected {
		t.Fatalf("unpaired inbound must not create a session")
	}
}

func TestPairingOverListenerRotatesKeyAndAdoptsSession(t *testing.T) {
	policy, err := pairing.NewKeyPolicy()
	if err != nil {
		t.Fatalf("NewKeyPolicy failed: %v", err)
	}
	originalKey := policy.Key()

	bob, bobStore := newTestManager(t, "bob-id", "Bob", func(o *Options) {
		o.KeyPolicy = policy
	})
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)

	aliceCoordinator, err := pairing.NewCoordinator(pairing.Options{
		Identity: device.Identity{ID: "alice-id", Name: "Alice", Kind: device.KindLaptop},
		Store:    aliceStore,
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	handoff, err := aliceCoordinator.Initiate(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob"), originalKey)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if err := alice.Adopt(handoff); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	if trusted, _ := aliceStore.IsTrusted("bob-id"); !trusted {
		t.Fatalf("initiator must trust responder after pairing")
	}
	waitFor(t, 2*time.Second, func() bool {
		trusted, _ := bobStore.IsTrusted("alice-id")
		return trusted
	})
	waitFor(t, 2*time.Second, func() bool { return bob.State("alice-id") == StateConnected })

	if policy.Key() == originalKey {
		t.Fatalf("pairing key must rotate after a successful pairing")
	}

	var received sync.WaitGroup
	received.Add(1)
	bob.RegisterHandler(protocol.KindNotification, func(peerID string, env protocol.Envelope) {
		received.Done()
	})
	if err := alice.Send("bob-id", protocol.Envelope{Kind: protocol.KindNotification, Payload: protocol.Notification{Title: "hello"}}); err != nil {
		t.Fatalf("Send over adopted session failed: %v", err)
	}
	received.Wait()
}

func TestPairingRejectedWhenProofDoesNotMatchKey(t *testing.T) {
	policy, err := pairing.NewKeyPolicy()
	if err != nil {
		t.Fatalf("NewKeyPolicy failed: %v", err)
	}

	bob, _ := newTestManager(t, "bob-id", "Bob", func(o *Options) {
		o.KeyPolicy = policy
	})
	_, aliceStore := newTestManager(t, "alice-id", "Alice", nil)

	aliceCoordinator, err := pairing.NewCoordinator(pairing.Options{
		Identity: device.Identity{ID: "alice-id", Name: "Alice"},
		Store:    aliceStore,
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	_, err = aliceCoordinator.Initiate(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob"), "000000")
	if !errors.Is(err, pairing.ErrRejected) {
		t.Fatalf("expected ErrRejected for wrong proof, got %v", err)
	}
	if trusted, _ := aliceStore.IsTrusted("bob-id"); trusted {
		t.Fatalf("rejected pairing must not leave a trust record")
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", func(o *Options) {
		o.ReconnectInitial = 20 * time.Millisecond
		o.ReconnectMax = 100 * time.Millisecond
		o.ReconnectAttempts = 20
	})
	pairStores(t, aliceStore, aliceStore, "alice-id", "Alice", "bob-id", "Bob")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()

	// First connection is dropped abruptly, second one is kept open.
	accepted := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			// Consume the greeting so the dialer's connect sequence
			// completes before the drop.
			_, _ = protocol.NewReader(conn).Next()
			accepted <- struct{}{}
			if i == 0 {
				conn.Close()
				continue
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	peer := discovery.PeerRecord{PeerID: "bob-id", DisplayName: "Bob", Address: "127.0.0.1", Port: port}
	if err := alice.Connect(context.Background(), peer); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	<-accepted
	waitFor(t, 3*time.Second, func() bool {
		state := alice.State("bob-id")
		return state == StateReconnecting || state == StateConnected
	})
	<-accepted
	waitFor(t, 3*time.Second, func() bool { return alice.State("bob-id") == StateConnected })
}

func TestSilentPeerTripsIdleDetection(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", func(o *Options) {
		o.IdleTimeout = 200 * time.Millisecond
		o.ConnectTimeout = 200 * time.Millisecond
		o.ReconnectInitial = 10 * time.Millisecond
		o.ReconnectMax = 20 * time.Millisecond
		o.ReconnectAttempts = 2
	})
	pairStores(t, aliceStore, aliceStore, "alice-id", "Alice", "bob-id", "Bob")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	// The peer consumes frames but never writes anything back, so only
	// idle detection can notice the link is dead.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		listener.Close()
		io.Copy(io.Discard, conn)
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	peer := discovery.PeerRecord{PeerID: "bob-id", DisplayName: "Bob", Address: "127.0.0.1", Port: port}
	if err := alice.Connect(context.Background(), peer); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sawReconnecting := false
	waitFor(t, 5*time.Second, func() bool {
		switch alice.State("bob-id") {
		case StateReconnecting:
			sawReconnecting = true
		case StateDisconnected:
			return sawReconnecting
		}
		return false
	})
}

func TestReconnectGivesUpAfterBoundedAttempts(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", func(o *Options) {
		o.ConnectTimeout = 200 * time.Millisecond
		o.ReconnectInitial = 10 * time.Millisecond
		o.ReconnectMax = 20 * time.Millisecond
		o.ReconnectAttempts = 2
	})
	pairStores(t, aliceStore, aliceStore, "alice-id", "Alice", "bob-id", "Bob")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_, _ = protocol.NewReader(conn).Next()
		conn.Close()
		// Refuse everything after the first connection.
		listener.Close()
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	peer := discovery.PeerRecord{PeerID: "bob-id", DisplayName: "Bob", Address: "127.0.0.1", Port: port}
	if err := alice.Connect(context.Background(), peer); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return alice.State("bob-id") == StateDisconnected })
}

func TestObserveDiscoveryAutoConnectsTrustedPeer(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)
	bob, bobStore := newTestManager(t, "bob-id", "Bob", nil)
	pairStores(t, aliceStore, bobStore, "alice-id", "Alice", "bob-id", "Bob")

	events := make(chan discovery.Event, 1)
	alice.ObserveDiscovery(events)

	events <- discovery.Event{Type: discovery.EventPeerAppeared, Peer: peerRecordFor(t, bob, "bob-id", "Bob")}

	waitFor(t, 3*time.Second, func() bool { return alice.State("bob-id") == StateConnected })
	close(events)
}

func TestUnhandledEnvelopeReachesObserver(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)

	unhandled := make(chan protocol.Envelope, 1)
	bob, bobStore := newTestManager(t, "bob-id", "Bob", func(o *Options) {
		o.OnUnhandled = func(peerID string, env protocol.Envelope) {
			select {
			case unhandled <- env:
			default:
			}
		}
	})
	pairStores(t, aliceStore, bobStore, "alice-id", "Alice", "bob-id", "Bob")

	if err := alice.Connect(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := alice.Send("bob-id", protocol.Envelope{Kind: protocol.KindBatteryStatus, Payload: protocol.BatteryStatus{Charge: 0.42, IsCharging: true}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case env := <-unhandled:
		if env.Kind != protocol.KindBatteryStatus {
			t.Fatalf("expected battery status, got %q", env.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unhandled envelope never reached observer")
	}
}

func TestForgetDropsTrustAndSession(t *testing.T) {
	alice, aliceStore := newTestManager(t, "alice-id", "Alice", nil)
	bob, bobStore := newTestManager(t, "bob-id", "Bob", nil)
	pairStores(t, aliceStore, bobStore, "alice-id", "Alice", "bob-id", "Bob")

	if err := alice.Connect(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	removed, err := alice.Forget("bob-id")
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if !removed {
		t.Fatalf("expected Forget to report removal")
	}
	if alice.State("bob-id") != StateDisconnected {
		t.Fatalf("expected Disconnected after Forget")
	}
	if trusted, _ := aliceStore.IsTrusted("bob-id"); trusted {
		t.Fatalf("expected trust record to be gone")
	}
	if err := alice.Connect(context.Background(), peerRecordFor(t, bob, "bob-id", "Bob")); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired after Forget, got %v", err)
	}
}
