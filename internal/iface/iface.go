// Package iface resolves network interfaces for the multicast socket
// layer: enumeration, name/index translation, and address ownership
// checks (spec.md §4.1).
//
// Grounded on the interface-enumeration helpers in
// kdanielm-zeroconf/server.go (addrsForInterface, listMulticastInterfaces,
// referenced but not defined there) and on the InterfaceResolver
// contract in
// joshuafuller-beacon/specs/007-interface-specific-addressing/contracts/interface_resolver.go.
package iface

import (
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned when a named or indexed interface cannot be
// resolved.
var ErrNotFound = errors.New("iface: not found")

// Family selects which address family an interface must carry at least
// one address of to be retained by Enumerate.
type Family int

const (
	V4 Family = iota
	V6
	Both
)

// Enumerate returns every non-loopback, multicast-capable interface
// carrying at least one address of the requested family.
func Enumerate(family Family) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("iface: enumerate: %w", err)
	}

	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		v4, v6 := AddrsForInterface(ifi)
		switch family {
		case V4:
			if len(v4) == 0 {
				continue
			}
		case V6:
			if len(v6) == 0 {
				continue
			}
		case Both:
			if len(v4) == 0 && len(v6) == 0 {
				continue
			}
		}
		out = append(out, ifi)
	}
	return out, nil
}

// IndexForName resolves a kernel interface index (v6 join handle) from
// an interface name, failing with ErrNotFound if the name doesn't
// resolve to a usable interface.
func IndexForName(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if ifi.Index <= 0 {
		return 0, fmt.Errorf("%w: interface %s has no kernel index", ErrNotFound, name)
	}
	return ifi.Index, nil
}

// ByIndex resolves {name, addresses} for a v6 interface index.
func ByIndex(index int) (*net.Interface, error) {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return ifi, nil
}

// Owns reports whether addr belongs to one of the host's non-loopback
// interfaces, and returns that interface (spec.md §4.1). Nothing else
// in this module calls it.
func Owns(addr net.IP) (net.Interface, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return net.Interface{}, false
	}
	for _, ifi := range ifaces {
		v4, v6 := AddrsForInterface(ifi)
		for _, ip := range v4 {
			if ip.Equal(addr) {
				return ifi, true
			}
		}
		for _, ip := range v6 {
			if ip.Equal(addr) {
				return ifi, true
			}
		}
	}
	return net.Interface{}, false
}

// AddrsForInterface splits an interface's addresses into v4 and v6
// (global-unicast preferred, falling back to link-local), grounded on
// kdanielm-zeroconf/server.go's addrsForInterface.
func AddrsForInterface(ifi net.Interface) (v4, v6 []net.IP) {
	var v6local []net.IP
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, nil
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			v4 = append(v4, ip4)
			continue
		}
		ip6 := ipnet.IP.To16()
		if ip6 == nil {
			continue
		}
		if ip6.IsGlobalUnicast() {
			v6 = append(v6, ip6)
		} else if ip6.IsLinkLocalUnicast() {
			v6local = append(v6local, ip6)
		}
	}
	if len(v6) == 0 {
		v6 = v6local
	}
	return v4, v6
}
