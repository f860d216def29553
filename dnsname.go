package beacon

import (
	"strings"

	"github.com/miekg/dns"
)

// fqdn normalizes name to a fully qualified DNS name (trailing root
// label) and validates it, mirroring the teacher's trimDot helper
// (utils.go) generalized into a real validity check instead of a bare
// string trim, since spec.md (I2) requires service_type/hostname to be
// valid fully qualified DNS names.
func fqdn(name string) (string, error) {
	if name == "" {
		return "", &BadDnsNameError{Name: name, Err: errEmptyName}
	}
	n := dns.Fqdn(name)
	if !dns.IsDomainName(n) {
		return "", &BadDnsNameError{Name: name, Err: errNotDomainName}
	}
	return n, nil
}

// trimDot removes every leading and trailing dot, matching the
// teacher's trimDot (utils.go).
func trimDot(s string) string {
	return strings.Trim(s, ".")
}

// subtypeSuffix builds the generic "_sub.<service_type>" suffix used
// for DNS-SD subtype matching (spec.md §9 "Subtype matching by
// suffix"). This is independent of any particular subtype label: a
// query for ANY label in front of "._sub.<service_type>" matches by
// suffix comparison (spec.md's own example, "SOMETHING._sub._test.
// _udp.local."), mirroring original_source/src/broadcast/service.rs's
// can_subtype(), which takes no subtype-name argument at all.
func subtypeSuffix(serviceType string) (string, error) {
	full := dns.Fqdn("_sub." + trimDot(serviceType))
	if !dns.IsDomainName(full) {
		return "", &BadDnsNameError{Name: serviceType, Err: errNotDomainName}
	}
	return full, nil
}

var (
	errEmptyName     = errStr("name is empty")
	errNotDomainName = errStr("not a valid domain name")
)

type errStr string

func (e errStr) Error() string { return string(e) }
