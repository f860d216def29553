package beacon

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// Responder is the browser's record of a remote peer: the source
// address observed on the wire, the most recently parsed response, and
// when it last responded. Identity is the address alone (spec.md §3):
// two different processes on the same peer IP/port collapse to one
// entry.
type Responder struct {
	Address         net.Addr
	LastResponse    *dns.Msg
	LastRespondedAt time.Time
}

// PresenceEntry extends Responder with the consecutive-missed-tick
// counter the discovery loop's lost-after-N-missed-intervals semantics
// are built on (spec.md §3, §9).
type PresenceEntry struct {
	Responder   *Responder
	MissedTicks int
}

// presenceTable is the browser's set of known peers, keyed by source
// address. It is touched only by the browser's own goroutine and needs
// no lock (spec.md §5 "Shared resources").
type presenceTable struct {
	entries map[string]*PresenceEntry
}

func newPresenceTable() *presenceTable {
	return &presenceTable{entries: make(map[string]*PresenceEntry)}
}

func addrKey(addr net.Addr) string { return addr.String() }

// lookup returns the existing entry for addr, if any.
func (t *presenceTable) lookup(addr net.Addr) (*PresenceEntry, bool) {
	e, ok := t.entries[addrKey(addr)]
	return e, ok
}

// upsert inserts or replaces the entry for r.Address with missed_ticks
// reset to zero, returning the entry that was replaced (nil if this is
// a new address).
func (t *presenceTable) upsert(r *Responder) *PresenceEntry {
	key := addrKey(r.Address)
	old := t.entries[key]
	t.entries[key] = &PresenceEntry{Responder: r, MissedTicks: 0}
	return old
}

// sweep increments missed_ticks for every entry and removes (returning)
// those that have reached maxMissed, per spec.md §4.4 step 3.
func (t *presenceTable) sweep(maxMissed int) []*PresenceEntry {
	if maxMissed <= 0 {
		return nil
	}
	var lost []*PresenceEntry
	for key, e := range t.entries {
		e.MissedTicks++
		if e.MissedTicks >= maxMissed {
			lost = append(lost, e)
			delete(t.entries, key)
		}
	}
	return lost
}

// touch resets missed_ticks to zero for the entry at addr without
// replacing the rest of the entry; it does nothing when addr has no
// entry. The browser's response path uses upsert, not touch.
func (t *presenceTable) touch(addr net.Addr) {
	if e, ok := t.entries[addrKey(addr)]; ok {
		e.MissedTicks = 0
	}
}
