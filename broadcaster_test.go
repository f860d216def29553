package beacon

import (
	"context"
	"net"
	"testing"
	"time"
)

// TestBroadcaster_HandlePacketMatchesTable exercises the broadcaster's
// decode-and-match path without touching a real socket, by swapping in
// a populated table directly.
func TestBroadcaster_HandlePacketMatchesTable(t *testing.T) {
	b := &Broadcaster{table: newServiceTable()}
	svc := mustService(t, "_foo._udp", "HOST", 1111)
	if err := b.table.addService(svc); err != nil {
		t.Fatal(err)
	}

	q := buildPTRQuery("_foo._udp.local.")
	packed, err := q.Pack()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := decodeMessage(packed)
	if err != nil {
		t.Fatal(err)
	}

	matches := b.table.matching(decoded.Question[0].Name)
	if len(matches) != 1 {
		t.Fatalf("expected 1 matching record, got %d", len(matches))
	}

	// handlePacket would call reply() next, which needs a live socket;
	// that path is covered by TestBroadcastAndBrowse below.
}

func TestBroadcaster_RemoveOperationsAreIdempotent(t *testing.T) {
	b := &Broadcaster{table: newServiceTable()}
	svc := mustService(t, "_foo._udp", "HOST", 1111)
	if err := b.AddService(svc); err != nil {
		t.Fatal(err)
	}

	if !b.RemoveNamedService("_foo._udp.local.", "HOST") {
		t.Error("expected removal to succeed")
	}
	if b.RemoveNamedService("_foo._udp.local.", "HOST") {
		t.Error("a second removal of the same service should report false")
	}

	if err := b.AddService(svc); err != nil {
		t.Fatal(err)
	}
	if !b.RemoveService(svc) {
		t.Error("RemoveService should find the matching identity")
	}

	if err := b.AddService(svc); err != nil {
		t.Fatal(err)
	}
	if !b.RemoveServiceType("_foo._udp.local.") {
		t.Error("RemoveServiceType should find the matching service type")
	}
}

// TestBroadcastAndBrowse is a full end-to-end exercise of a real
// broadcaster answering a real browser's queries over loopback
// multicast. It requires actual multicast networking, which is not
// guaranteed inside every sandbox/CI environment, so it is skipped in
// short mode.
func TestBroadcastAndBrowse(t *testing.T) {
	if testing.Short() {
		t.Skip("requires real multicast networking")
	}

	b, err := NewBroadcaster(WithLoopback(true), WithFamily(FamilyV4))
	if err != nil {
		t.Skipf("broadcaster socket unavailable in this environment: %v", err)
	}
	svc, err := NewService("_beacontest._udp", "HOST",
		WithIPAddresses(net.ParseIP("127.0.0.1")),
		WithPort(4242),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddService(svc); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = b.Run(ctx) }()

	br, err := NewBrowser(WithServiceName("_beacontest._udp.local."), WithInterval(200*time.Millisecond), WithBrowserFamily(FamilyV4))
	if err != nil {
		t.Skipf("browser socket unavailable in this environment: %v", err)
	}

	found := make(chan struct{}, 1)
	go func() {
		_ = br.Run(ctx, func(ev Event) {
			if _, ok := ev.(FoundEvent); ok {
				select {
				case found <- struct{}{}:
				default:
				}
			}
		})
	}()

	select {
	case <-found:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the browser to discover the broadcaster")
	}
}
