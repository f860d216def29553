package beacon

import (
	"net"
	"strings"
	"testing"
)

func TestNewService_RequiresAtLeastOneAddress(t *testing.T) {
	_, err := NewService("_foo._udp", "MYHOST", WithPort(1234))
	if err == nil {
		t.Fatal("expected an error when no IP address is supplied")
	}
	var buildErr *ServiceBuildError
	if !asServiceBuildError(err, &buildErr) {
		t.Fatalf("expected *ServiceBuildError, got %T: %v", err, err)
	}
}

func TestNewService_RejectsOversizedTXTEntry(t *testing.T) {
	huge := strings.Repeat("x", maxTxtEntryLen+1)
	_, err := NewService("_foo._udp", "MYHOST",
		WithIPAddresses(net.ParseIP("192.168.1.1")),
		WithTXT(huge),
	)
	if err == nil {
		t.Fatal("expected an error for an oversized TXT entry")
	}
}

func TestNewService_NormalizesNamesAndDefaults(t *testing.T) {
	svc, err := NewService("_foo._udp", "MYHOST", WithIPAddresses(net.ParseIP("192.168.1.1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.ServiceType != "_foo._udp.local." {
		t.Errorf("ServiceType = %q, want %q", svc.ServiceType, "_foo._udp.local.")
	}
	if svc.Hostname != "MYHOST.local." {
		t.Errorf("Hostname = %q, want %q", svc.Hostname, "MYHOST.local.")
	}
	if svc.InstanceID != "MYHOST._foo._udp.local." {
		t.Errorf("InstanceID = %q, want %q", svc.InstanceID, "MYHOST._foo._udp.local.")
	}
	if svc.TTL != defaultTTL {
		t.Errorf("TTL = %d, want default %d", svc.TTL, defaultTTL)
	}
}

func TestNewService_Subtype(t *testing.T) {
	svc, err := NewService("_foo._udp", "MYHOST",
		WithIPAddresses(net.ParseIP("192.168.1.1")),
		WithSubtype(),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The suffix is generic - independent of any particular subtype
	// label - so that a query for ANY label matches (spec.md's own
	// "SOMETHING._sub._test._udp.local." example).
	want := "_sub._foo._udp.local."
	if svc.SubtypeSuffix != want {
		t.Errorf("SubtypeSuffix = %q, want %q", svc.SubtypeSuffix, want)
	}
	if !matchesQuery(svc, "SOMETHING._sub._foo._udp.local.") {
		t.Error("expected a query for an arbitrary subtype label to match via the generic suffix")
	}
	if !matchesQuery(svc, "printer._sub._foo._udp.local.") {
		t.Error("expected a query for a different arbitrary subtype label to also match")
	}
}

func TestNewService_RejectsBadServiceType(t *testing.T) {
	_, err := NewService("", "MYHOST", WithIPAddresses(net.ParseIP("192.168.1.1")))
	if err == nil {
		t.Fatal("expected an error for an empty service type")
	}
}

func TestIdentityOrderingAndEquality(t *testing.T) {
	a, err := NewService("_foo._udp", "AAA", WithIPAddresses(net.ParseIP("10.0.0.1")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewService("_foo._udp", "BBB", WithIPAddresses(net.ParseIP("10.0.0.2")))
	if err != nil {
		t.Fatal(err)
	}

	if !identityLess(a, b) {
		t.Error("expected AAA to sort before BBB within the same service type")
	}
	if sameIdentity(a, b) {
		t.Error("AAA and BBB should not be the same identity")
	}

	c, err := NewService("_foo._udp", "AAA", WithIPAddresses(net.ParseIP("10.0.0.3")), WithPort(9999))
	if err != nil {
		t.Fatal(err)
	}
	if !sameIdentity(a, c) {
		t.Error("services with the same (service_type, instance_name) should share identity regardless of other fields")
	}
}

func TestSortRecords(t *testing.T) {
	svcB, _ := NewService("_foo._udp", "BBB", WithIPAddresses(net.ParseIP("10.0.0.1")))
	svcA, _ := NewService("_foo._udp", "AAA", WithIPAddresses(net.ParseIP("10.0.0.2")))

	recB, err := newServiceRecord(svcB)
	if err != nil {
		t.Fatal(err)
	}
	recA, err := newServiceRecord(svcA)
	if err != nil {
		t.Fatal(err)
	}

	records := []*ServiceRecord{recB, recA}
	sortRecords(records)

	if records[0].Service.InstanceName != "AAA" {
		t.Errorf("records[0] = %q, want AAA first", records[0].Service.InstanceName)
	}
}

// asServiceBuildError is a small helper since errors.As needs a
// pointer-to-pointer and this package doesn't otherwise import errors
// in this file.
func asServiceBuildError(err error, target **ServiceBuildError) bool {
	be, ok := err.(*ServiceBuildError)
	if !ok {
		return false
	}
	*target = be
	return true
}
