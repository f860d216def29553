package beacon

import (
	"net"
	"testing"
	"time"
)

func testResponder(addr string) *Responder {
	return &Responder{
		Address:         &net.UDPAddr{IP: net.ParseIP(addr), Port: 5353},
		LastRespondedAt: time.Now(),
	}
}

func TestPresenceTable_UpsertReportsNewVsReplaced(t *testing.T) {
	tbl := newPresenceTable()

	old := tbl.upsert(testResponder("192.168.1.10"))
	if old != nil {
		t.Errorf("expected nil for a brand new address, got %+v", old)
	}

	old = tbl.upsert(testResponder("192.168.1.10"))
	if old == nil {
		t.Error("expected the previous entry to be returned on a repeat upsert")
	}
}

func TestPresenceTable_UpsertResetsMissedTicks(t *testing.T) {
	tbl := newPresenceTable()
	r := testResponder("192.168.1.10")
	tbl.upsert(r)

	tbl.sweep(5) // missed_ticks -> 1, below threshold, still present
	entry, ok := tbl.lookup(r.Address)
	if !ok || entry.MissedTicks != 1 {
		t.Fatalf("expected missed_ticks=1 after one sweep, got %+v", entry)
	}

	tbl.upsert(r)
	entry, ok = tbl.lookup(r.Address)
	if !ok || entry.MissedTicks != 0 {
		t.Fatalf("expected missed_ticks reset to 0 after a fresh response, got %+v", entry)
	}
}

func TestPresenceTable_SweepEvictsAtMaxMissed(t *testing.T) {
	tbl := newPresenceTable()
	r := testResponder("192.168.1.10")
	tbl.upsert(r)

	if lost := tbl.sweep(2); len(lost) != 0 {
		t.Fatalf("first sweep should not evict yet, got %d lost", len(lost))
	}
	lost := tbl.sweep(2)
	if len(lost) != 1 {
		t.Fatalf("second sweep should evict the entry, got %d lost", len(lost))
	}
	if _, ok := tbl.lookup(r.Address); ok {
		t.Error("evicted entry should no longer be present in the table")
	}
}

func TestPresenceTable_SweepDisabledWhenMaxMissedIsZero(t *testing.T) {
	tbl := newPresenceTable()
	tbl.upsert(testResponder("192.168.1.10"))

	for i := 0; i < 10; i++ {
		if lost := tbl.sweep(0); lost != nil {
			t.Fatalf("sweep(0) must never evict, got %v", lost)
		}
	}
	if _, ok := tbl.lookup(&net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 5353}); !ok {
		t.Error("entry should survive indefinitely when max_missed is 0")
	}
}

func TestPresenceTable_Touch(t *testing.T) {
	tbl := newPresenceTable()
	r := testResponder("192.168.1.10")
	tbl.upsert(r)
	tbl.sweep(5)

	tbl.touch(r.Address)
	entry, ok := tbl.lookup(r.Address)
	if !ok || entry.MissedTicks != 0 {
		t.Fatalf("expected touch to reset missed_ticks, got %+v", entry)
	}
}
