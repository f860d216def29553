package beacon

import (
	"net"
	"testing"
)

func mustService(t *testing.T, serviceType, instanceName string, port uint16) *Service {
	t.Helper()
	svc, err := NewService(serviceType, instanceName,
		WithIPAddresses(net.ParseIP("192.168.1.1")),
		WithPort(port),
	)
	if err != nil {
		t.Fatalf("NewService(%s, %s): %v", serviceType, instanceName, err)
	}
	return svc
}

func TestServiceTable_AddReplacesOnIdentityCollision(t *testing.T) {
	tbl := newServiceTable()
	first := mustService(t, "_foo._udp", "HOST", 1111)
	second := mustService(t, "_foo._udp", "HOST", 2222)

	if err := tbl.addService(first); err != nil {
		t.Fatalf("addService(first): %v", err)
	}
	if err := tbl.addService(second); err != nil {
		t.Fatalf("addService(second): %v", err)
	}

	snap := tbl.snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one record after a colliding add, got %d", len(snap))
	}
	if snap[0].Service.Port != 2222 {
		t.Errorf("expected the later add to win, got port %d", snap[0].Service.Port)
	}
}

func TestServiceTable_RemoveByIdentity(t *testing.T) {
	tbl := newServiceTable()
	svc := mustService(t, "_foo._udp", "HOST", 1111)
	if err := tbl.addService(svc); err != nil {
		t.Fatal(err)
	}

	if !tbl.removeByIdentity("_foo._udp.local.", "HOST") {
		t.Error("expected removal of an existing service to report true")
	}
	if tbl.removeByIdentity("_foo._udp.local.", "HOST") {
		t.Error("removing an already-absent service should be idempotent and report false")
	}
	if len(tbl.snapshot()) != 0 {
		t.Error("table should be empty after removal")
	}
}

func TestServiceTable_RemoveByType(t *testing.T) {
	tbl := newServiceTable()
	a := mustService(t, "_foo._udp", "A", 1)
	b := mustService(t, "_foo._udp", "B", 2)
	c := mustService(t, "_bar._udp", "C", 3)
	for _, svc := range []*Service{a, b, c} {
		if err := tbl.addService(svc); err != nil {
			t.Fatal(err)
		}
	}

	if !tbl.removeByType("_foo._udp.local.") {
		t.Error("expected removeByType to report true when it removes something")
	}
	snap := tbl.snapshot()
	if len(snap) != 1 || snap[0].Service.ServiceType != "_bar._udp.local." {
		t.Fatalf("expected only the _bar service to remain, got %+v", snap)
	}
}

func TestServiceTable_RemoveByRef(t *testing.T) {
	tbl := newServiceTable()
	svc := mustService(t, "_foo._udp", "HOST", 1111)
	if err := tbl.addService(svc); err != nil {
		t.Fatal(err)
	}
	if !tbl.removeByRef(svc) {
		t.Error("expected removeByRef to find the matching identity")
	}
	if tbl.removeByRef(svc) {
		t.Error("removeByRef should be idempotent")
	}
}

func TestServiceTable_Matching(t *testing.T) {
	tbl := newServiceTable()
	svc := mustService(t, "_foo._udp", "HOST", 1111)
	if err := tbl.addService(svc); err != nil {
		t.Fatal(err)
	}

	if got := tbl.matching("_foo._udp.local."); len(got) != 1 {
		t.Errorf("expected one match for the exact service type, got %d", len(got))
	}
	if got := tbl.matching("_other._udp.local."); len(got) != 0 {
		t.Errorf("expected no matches for an unrelated query, got %d", len(got))
	}
}
