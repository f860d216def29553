package beacon

import "sync"

// serviceTable is the broadcaster's ordered set of advertised services,
// guarded by a reader-writer lock (spec.md §4.3 "Service table
// mutation"). The broadcaster loop takes a read lock per incoming
// query; mutators (called from a handle, possibly on another
// goroutine) take a write lock.
//
// Grounded on kdanielm-zeroconf/server.go's single *ServiceEntry field,
// generalized to the ordered set spec.md §3/§4.3 describes.
type serviceTable struct {
	mu      sync.RWMutex
	records []*ServiceRecord
}

func newServiceTable() *serviceTable {
	return &serviceTable{}
}

// addService inserts svc, replacing any existing record with the same
// identity (service_type, instance_name). Returns an error if the
// service's response cannot be encoded.
func (t *serviceTable) addService(svc *Service) error {
	rec, err := newServiceRecord(svc)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.records {
		if sameIdentity(existing.Service, svc) {
			t.records[i] = rec
			return nil
		}
	}
	t.records = append(t.records, rec)
	sortRecords(t.records)
	return nil
}

// removeByIdentity removes the service named instanceName of type
// serviceType, reporting whether anything was removed.
func (t *serviceTable) removeByIdentity(serviceType, instanceName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, rec := range t.records {
		if rec.Service.ServiceType == serviceType && rec.Service.InstanceName == instanceName {
			t.records = append(t.records[:i], t.records[i+1:]...)
			return true
		}
	}
	return false
}

// removeByType removes every service of the given service_type,
// reporting whether anything was removed.
func (t *serviceTable) removeByType(serviceType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	kept := t.records[:0]
	for _, rec := range t.records {
		if rec.Service.ServiceType == serviceType {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	t.records = kept
	return removed
}

// removeByRef removes the record matching svc's identity, returning
// whether anything was removed. A no-op on an absent service returns
// false (idempotence, spec.md §8).
func (t *serviceTable) removeByRef(svc *Service) bool {
	return t.removeByIdentity(svc.ServiceType, svc.InstanceName)
}

// matching returns every record whose service matches queryName
// (spec.md §6 "Query matching"), read-locked for the duration of the
// scan.
func (t *serviceTable) matching(queryName string) []*ServiceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*ServiceRecord
	for _, rec := range t.records {
		if matchesQuery(rec.Service, queryName) {
			out = append(out, rec)
		}
	}
	return out
}

// snapshot returns a copy of every record currently in the table.
func (t *serviceTable) snapshot() []*ServiceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ServiceRecord, len(t.records))
	copy(out, t.records)
	return out
}
