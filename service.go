package beacon

import (
	"net"
	"sort"
)

const defaultTTL uint32 = 120

// maxTxtEntryLen is the per-entry TXT byte limit from spec.md §3 (I1).
const maxTxtEntryLen = 255

// Service is an immutable advertisement: a DNS-SD service instance this
// process offers on the local link. Build one with NewService; every
// exported field is read-only after construction.
//
// Grounded on kdanielm-zeroconf's ServiceEntry (referenced but not
// defined in the retrieved files) and generalized to spec.md §3's
// richer field set (subtype suffix, TTL, build-time invariants).
type Service struct {
	ServiceType   string // e.g. "_foo._udp.local."
	InstanceName  string // e.g. "MYHOST"
	InstanceID    string // "<instance_name>.<service_type>"
	Hostname      string // "<instance_name>.local."
	SubtypeSuffix string // "" if none, else fully qualified "_sub.<service_type>"
	IPAddresses   []net.IP
	Port          uint16
	TXT           []string
	TTL           uint32
}

// ServiceOption configures a Service under construction.
type ServiceOption func(*serviceBuild) error

type serviceBuild struct {
	subtype bool
	ips     []net.IP
	port    uint16
	txt     []string
	ttl     uint32
}

// WithIPAddresses sets the advertised addresses (I1: at least one
// address is required).
func WithIPAddresses(ips ...net.IP) ServiceOption {
	return func(b *serviceBuild) error {
		b.ips = append(b.ips, ips...)
		return nil
	}
}

// WithPort sets the SRV target port.
func WithPort(port uint16) ServiceOption {
	return func(b *serviceBuild) error {
		b.port = port
		return nil
	}
}

// WithTXT sets the ordered TXT record entries. Each entry must be at
// most 255 bytes (I1).
func WithTXT(entries ...string) ServiceOption {
	return func(b *serviceBuild) error {
		b.txt = append(b.txt, entries...)
		return nil
	}
}

// WithTTL overrides the default 120s TTL for this service's records.
func WithTTL(ttl uint32) ServiceOption {
	return func(b *serviceBuild) error {
		b.ttl = ttl
		return nil
	}
}

// WithSubtype enables DNS-SD subtype matching: queries for ANY label in
// front of "._sub.<service_type>" also match this service (spec.md §9
// "Subtype matching by suffix"). The suffix compared against is generic
// (independent of any particular subtype label), matching
// original_source/src/broadcast/service.rs's can_subtype(), which takes
// no subtype-name argument at all.
func WithSubtype() ServiceOption {
	return func(b *serviceBuild) error {
		b.subtype = true
		return nil
	}
}

// NewService builds and validates a Service. serviceType must be a
// fully qualified (or qualifiable) DNS name such as "_foo._udp.local.";
// instanceName is the short label such as "MYHOST".
func NewService(serviceType, instanceName string, opts ...ServiceOption) (*Service, error) {
	st, err := fqdn(serviceType)
	if err != nil {
		return nil, err
	}
	if instanceName == "" {
		return nil, &ServiceBuildError{Reason: "instance name is empty"}
	}

	b := &serviceBuild{ttl: defaultTTL}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	if len(b.ips) == 0 {
		return nil, &ServiceBuildError{Reason: "no advertisement address supplied"}
	}
	for _, t := range b.txt {
		if len(t) > maxTxtEntryLen {
			return nil, &ServiceBuildError{Reason: "txt entry exceeds 255 bytes"}
		}
	}

	hostname, err := fqdn(instanceName + ".local.")
	if err != nil {
		return nil, err
	}
	instanceID, err := fqdn(instanceName + "." + st)
	if err != nil {
		return nil, err
	}

	var subSuffix string
	if b.subtype {
		subSuffix, err = subtypeSuffix(st)
		if err != nil {
			return nil, err
		}
	}

	ips := make([]net.IP, len(b.ips))
	copy(ips, b.ips)

	svc := &Service{
		ServiceType:   st,
		InstanceName:  instanceName,
		InstanceID:    instanceID,
		Hostname:      hostname,
		SubtypeSuffix: subSuffix,
		IPAddresses:   ips,
		Port:          b.port,
		TXT:           append([]string(nil), b.txt...),
		TTL:           b.ttl,
	}

	return svc, nil
}

// identityLess orders two services lexicographically over
// (service_type, instance_name), the identity spec.md §3 defines for
// set insertion.
func identityLess(a, b *Service) bool {
	if a.ServiceType != b.ServiceType {
		return a.ServiceType < b.ServiceType
	}
	return a.InstanceName < b.InstanceName
}

func sameIdentity(a, b *Service) bool {
	return a.ServiceType == b.ServiceType && a.InstanceName == b.InstanceName
}

// ServiceRecord is the broadcaster's internal form: a Service together
// with its precomputed wire-format response. Equality and ordering
// delegate to the underlying Service, so re-adding a service with the
// same identity replaces the old record (spec.md §3).
type ServiceRecord struct {
	Service  *Service
	response *encodedResponse
}

func newServiceRecord(svc *Service) (*ServiceRecord, error) {
	resp, err := buildResponse(svc)
	if err != nil {
		return nil, err
	}
	return &ServiceRecord{Service: svc, response: resp}, nil
}

// sortRecords keeps the table's slice in identity order, matching the
// ordered-set semantics spec.md requires for the service table.
func sortRecords(records []*ServiceRecord) {
	sort.Slice(records, func(i, j int) bool {
		return identityLess(records[i].Service, records[j].Service)
	})
}
