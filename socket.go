package beacon

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/arcflux/beacon/internal/iface"
	"github.com/dogmatiq/dodeca/logging"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

const mdnsPort = 5353

var (
	mdnsGroupV4 = &net.UDPAddr{IP: net.ParseIP("224.0.0.251"), Port: mdnsPort}
	mdnsGroupV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: mdnsPort}
)

// SelectorKind distinguishes the ways an address family's interfaces
// may be chosen for a multicast socket (spec.md §4.2).
type SelectorKind int

const (
	SelectDefault SelectorKind = iota
	SelectAll
	SelectSpecific
	SelectMulti
)

// InterfaceSelector picks the interfaces a family's multicast socket
// joins the mDNS group on.
type InterfaceSelector struct {
	Kind   SelectorKind
	Ifaces []net.Interface
}

// DefaultInterfaces joins on the unspecified ("any") interface.
func DefaultInterfaces() InterfaceSelector { return InterfaceSelector{Kind: SelectDefault} }

// AllInterfaces enumerates and joins every non-loopback, multicast
// capable interface, retaining only those the join succeeds on.
func AllInterfaces() InterfaceSelector { return InterfaceSelector{Kind: SelectAll} }

// SpecificInterface joins on exactly one named interface.
func SpecificInterface(ifi net.Interface) InterfaceSelector {
	return InterfaceSelector{Kind: SelectSpecific, Ifaces: []net.Interface{ifi}}
}

// MultiInterfaces joins on every interface in the given set.
func MultiInterfaces(ifaces []net.Interface) InterfaceSelector {
	return InterfaceSelector{Kind: SelectMulti, Ifaces: ifaces}
}

// SocketConfig parameterizes multicast socket construction (spec.md
// §4.2 "Construction takes").
type SocketConfig struct {
	Loopback     bool
	Family       Family
	V4Interfaces InterfaceSelector
	V6Interfaces InterfaceSelector
	Logger       logging.Logger
}

// Socket is the dual-family (or single-family) multicast socket
// described in spec.md §4.2: join the mDNS groups, fan sends out across
// every selected interface, and merge receives across families.
type Socket struct {
	family Family
	v4     *v4Conn
	v6     *v6Conn
	logger logging.Logger
}

// NewSocket constructs a multicast socket per spec.md §4.2's
// construction algorithm. At least one address family must succeed, or
// construction fails with the combined SocketError.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	s := &Socket{family: cfg.Family, logger: cfg.Logger}

	var errV4, errV6 error
	if cfg.Family == FamilyV4 || cfg.Family == FamilyBoth {
		s.v4, errV4 = newV4Conn(cfg)
	}
	if cfg.Family == FamilyV6 || cfg.Family == FamilyBoth {
		s.v6, errV6 = newV6Conn(cfg)
	}

	switch cfg.Family {
	case FamilyV4:
		if errV4 != nil {
			return nil, errV4
		}
	case FamilyV6:
		if errV6 != nil {
			return nil, errV6
		}
	case FamilyBoth:
		if errV4 != nil && errV6 != nil {
			return nil, &SocketError{Family: FamilyBoth, Op: "construct", Err: fmt.Errorf("v4: %s; v6: %s", errV4, errV6)}
		}
		if errV4 != nil {
			debugf(s.logger, "beacon: ipv4 multicast socket unavailable: %s", errV4)
		}
		if errV6 != nil {
			debugf(s.logger, "beacon: ipv6 multicast socket unavailable: %s", errV6)
		}
	}

	return s, nil
}

// Close releases both family sockets.
func (s *Socket) Close() error {
	var err error
	if s.v4 != nil {
		if e := s.v4.pc.Close(); e != nil {
			err = e
		}
	}
	if s.v6 != nil {
		if e := s.v6.pc.Close(); e != nil {
			err = e
		}
	}
	return err
}

// SendTo unicasts bytes to dest, which must belong to a family this
// socket has joined.
func (s *Socket) SendTo(b []byte, dest *net.UDPAddr) error {
	if dest.IP.To4() != nil {
		if s.v4 == nil {
			return &SocketError{Family: FamilyV4, Op: "send_to", Err: fmt.Errorf("ipv4 not configured")}
		}
		return s.v4.sendTo(b, dest)
	}
	if s.v6 == nil {
		return &SocketError{Family: FamilyV6, Op: "send_to", Err: fmt.Errorf("ipv6 not configured")}
	}
	return s.v6.sendTo(b, dest)
}

// SendMulticast sends b to the mDNS group on every selected interface
// of every selected family. Per spec.md §4.2, this succeeds if at least
// one family succeeds (dual-family "either succeeded" rule), run
// concurrently via errgroup.
func (s *Socket) SendMulticast(b []byte) error {
	if s.v4 != nil && s.v6 != nil {
		var e4, e6 error
		var g errgroup.Group
		g.Go(func() error { e4 = s.v4.sendMulticast(b); return nil })
		g.Go(func() error { e6 = s.v6.sendMulticast(b); return nil })
		_ = g.Wait()

		if e4 == nil || e6 == nil {
			return nil
		}
		return &SocketError{Family: FamilyBoth, Op: "send_multicast", Err: fmt.Errorf("v4: %s; v6: %s", e4, e6)}
	}
	if s.v4 != nil {
		return s.v4.sendMulticast(b)
	}
	if s.v6 != nil {
		return s.v6.sendMulticast(b)
	}
	return &SocketError{Family: s.family, Op: "send_multicast", Err: fmt.Errorf("no family configured")}
}

// RecvResult is one datagram delivered by Socket.Recv.
type RecvResult struct {
	N      int
	Source net.Addr
	Family Family
}

// Recv reads the next datagram into buf, racing both families when
// dual-family (spec.md §4.2 "Receive fan-in policy"). Each family reads
// into its own buffer in the dual case to avoid aliasing; Recv copies
// whichever side wakes first into buf.
func (s *Socket) Recv(ctx context.Context, buf []byte) (RecvResult, error) {
	if s.v4 != nil && s.v6 == nil {
		n, addr, err := s.v4.recvFrom(buf)
		if err != nil {
			return RecvResult{}, &SocketError{Family: FamilyV4, Op: "recv", Err: err}
		}
		return RecvResult{N: n, Source: addr, Family: FamilyV4}, nil
	}
	if s.v6 != nil && s.v4 == nil {
		n, addr, err := s.v6.recvFrom(buf)
		if err != nil {
			return RecvResult{}, &SocketError{Family: FamilyV6, Op: "recv", Err: err}
		}
		return RecvResult{N: n, Source: addr, Family: FamilyV6}, nil
	}

	type winner struct {
		n      int
		addr   net.Addr
		family Family
		err    error
		buf    []byte
	}
	ch := make(chan winner, 2)
	buf4 := make([]byte, len(buf))
	buf6 := make([]byte, len(buf))

	go func() {
		n, addr, err := s.v4.recvFrom(buf4)
		ch <- winner{n: n, addr: addr, family: FamilyV4, err: err, buf: buf4}
	}()
	go func() {
		n, addr, err := s.v6.recvFrom(buf6)
		ch <- winner{n: n, addr: addr, family: FamilyV6, err: err, buf: buf6}
	}()

	select {
	case <-ctx.Done():
		return RecvResult{}, ctx.Err()
	case w := <-ch:
		if w.err != nil {
			// Surface both errors only if they fail simultaneously
			// (spec.md §7); otherwise report the one that actually fired.
			select {
			case w2 := <-ch:
				if w2.err != nil {
					return RecvResult{}, &SocketError{Family: FamilyBoth, Op: "recv", Err: fmt.Errorf("%s: %s; %s: %s", w.family, w.err, w2.family, w2.err)}
				}
				copy(buf, w2.buf[:w2.n])
				return RecvResult{N: w2.n, Source: w2.addr, Family: w2.family}, nil
			default:
				return RecvResult{}, &SocketError{Family: w.family, Op: "recv", Err: w.err}
			}
		}
		copy(buf, w.buf[:w.n])
		return RecvResult{N: w.n, Source: w.addr, Family: w.family}, nil
	}
}

// v4Conn and v6Conn are the per-family multicast connections, uniting the
// UniInterface/MultiInterface send-fanout split spec.md §4.2 describes.
type v4Conn struct {
	mu     sync.Mutex
	pc     *ipv4.PacketConn
	ifaces []net.Interface // retained join set
	uni    bool
}

type v6Conn struct {
	mu     sync.Mutex
	pc     *ipv6.PacketConn
	ifaces []net.Interface
	uni    bool
}

// newV4Conn realizes spec.md §4.2's construction algorithm for IPv4:
// create, set socket options, join, bind, self-test, classify as
// Uni/MultiInterface. Grounded on kdanielm-zeroconf/server.go's
// joinUdp4Multicast (referenced but not defined in the retrieved file;
// re-derived here from the same ipv4.PacketConn/JoinGroup idiom the
// teacher uses throughout server.go/client.go).
func newV4Conn(cfg SocketConfig) (*v4Conn, error) {
	ifaces, err := resolveIfaces(cfg.V4Interfaces, iface4Lister)
	if err != nil {
		return nil, &SocketError{Family: FamilyV4, Op: "resolve interfaces", Err: err}
	}

	conn, err := listenReusable("udp4", bindAddress("udp4", ifaces))
	if err != nil {
		return nil, &SocketError{Family: FamilyV4, Op: "listen", Err: err}
	}
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetControlMessage(ipv4.FlagInterface, true)
	_ = pc.SetMulticastLoopback(cfg.Loopback)

	var joined []net.Interface
	if cfg.V4Interfaces.Kind == SelectDefault {
		if err := pc.JoinGroup(nil, mdnsGroupV4); err == nil {
			joined = append(joined, net.Interface{})
		}
	} else {
		for _, ifi := range ifaces {
			ifi := ifi
			if err := pc.JoinGroup(&ifi, mdnsGroupV4); err == nil {
				joined = append(joined, ifi)
			}
		}
		if len(joined) == 0 {
			if err := pc.JoinGroup(nil, mdnsGroupV4); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("join mDNS group: no interface succeeded and default join failed: %w", err)
			}
			joined = append(joined, net.Interface{})
		}
	}

	if err := selfTestV4(pc); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("multicast self-test failed: %w", err)
	}

	return &v4Conn{pc: pc, ifaces: joined, uni: len(joined) == 1}, nil
}

func newV6Conn(cfg SocketConfig) (*v6Conn, error) {
	ifaces, err := resolveIfaces(cfg.V6Interfaces, iface6Lister)
	if err != nil {
		return nil, &SocketError{Family: FamilyV6, Op: "resolve interfaces", Err: err}
	}

	conn, err := listenReusable("udp6", bindAddress("udp6", ifaces))
	if err != nil {
		return nil, &SocketError{Family: FamilyV6, Op: "listen", Err: err}
	}
	pc := ipv6.NewPacketConn(conn)
	_ = pc.SetControlMessage(ipv6.FlagInterface, true)
	_ = pc.SetMulticastLoopback(cfg.Loopback)

	var joined []net.Interface
	if cfg.V6Interfaces.Kind == SelectDefault {
		if err := pc.JoinGroup(nil, mdnsGroupV6); err == nil {
			joined = append(joined, net.Interface{})
		}
	} else {
		for _, ifi := range ifaces {
			ifi := ifi
			if err := pc.JoinGroup(&ifi, mdnsGroupV6); err == nil {
				joined = append(joined, ifi)
			}
		}
		if len(joined) == 0 {
			if err := pc.JoinGroup(nil, mdnsGroupV6); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("join mDNS group: no interface succeeded and default join failed: %w", err)
			}
			joined = append(joined, net.Interface{})
		}
	}

	if err := selfTestV6(pc); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("multicast self-test failed: %w", err)
	}

	return &v6Conn{pc: pc, ifaces: joined, uni: len(joined) == 1}, nil
}

func iface4Lister() ([]net.Interface, error) { return iface.Enumerate(iface.V4) }
func iface6Lister() ([]net.Interface, error) { return iface.Enumerate(iface.V6) }

func resolveIfaces(sel InterfaceSelector, all func() ([]net.Interface, error)) ([]net.Interface, error) {
	switch sel.Kind {
	case SelectDefault:
		return nil, nil
	case SelectSpecific, SelectMulti:
		return sel.Ifaces, nil
	case SelectAll:
		return all()
	default:
		return nil, fmt.Errorf("unknown interface selector kind %d", sel.Kind)
	}
}

// selfTestV4/selfTestV6 emit one trivial multicast datagram to confirm
// routing succeeded, per spec.md §4.2 step 4.
func selfTestV4(pc *ipv4.PacketConn) error {
	_, err := pc.WriteTo([]byte{0}, nil, mdnsGroupV4)
	return err
}

func selfTestV6(pc *ipv6.PacketConn) error {
	_, err := pc.WriteTo([]byte{0}, nil, mdnsGroupV6)
	return err
}

func (c *v4Conn) sendTo(b []byte, dest *net.UDPAddr) error {
	_, err := c.pc.WriteTo(b, nil, dest)
	return err
}

func (c *v6Conn) sendTo(b []byte, dest *net.UDPAddr) error {
	_, err := c.pc.WriteTo(b, nil, dest)
	return err
}

// sendMulticast implements the UniInterface/MultiInterface fanout split
// of spec.md §4.2: a single send, or a sequential
// SetMulticastInterface→WriteTo pair per retained interface. The pair is
// executed without an intervening yield (spec.md §9 "MultiInterface
// multicast send atomicity"), which in Go means holding the per-conn
// mutex across both calls.
func (c *v4Conn) sendMulticast(b []byte) error {
	if c.uni {
		_, err := c.pc.WriteTo(b, nil, mdnsGroupV4)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ifi := range c.ifaces {
		ifi := ifi
		if ifi.Name != "" {
			if err := c.pc.SetMulticastInterface(&ifi); err != nil {
				return fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
			}
		}
		if _, err := c.pc.WriteTo(b, nil, mdnsGroupV4); err != nil {
			return fmt.Errorf("send on %s: %w", ifi.Name, err)
		}
	}
	return nil
}

func (c *v6Conn) sendMulticast(b []byte) error {
	if c.uni {
		_, err := c.pc.WriteTo(b, nil, mdnsGroupV6)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ifi := range c.ifaces {
		ifi := ifi
		if ifi.Name != "" {
			if err := c.pc.SetMulticastInterface(&ifi); err != nil {
				return fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
			}
		}
		if _, err := c.pc.WriteTo(b, nil, mdnsGroupV6); err != nil {
			return fmt.Errorf("send on %s: %w", ifi.Name, err)
		}
	}
	return nil
}

func (c *v4Conn) recvFrom(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := c.pc.ReadFrom(buf)
	return n, addr, err
}

func (c *v6Conn) recvFrom(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := c.pc.ReadFrom(buf)
	return n, addr, err
}

// windowsBindWorkaround reports whether this platform needs to bind
// directly to a single chosen interface's address instead of the
// wildcard, per spec.md §4.2 step 3 ("the Windows case"): Windows
// rejects a second wildcard-bound listener on the same port even with
// SO_REUSEADDR, so SO_REUSEPORT-style sharing only works there when
// every participant binds its own interface address instead.
func windowsBindWorkaround() bool {
	return runtime.GOOS == "windows"
}

// bindAddress picks the listen address for network ("udp4"/"udp6"): the
// wildcard everywhere SO_REUSEPORT is available, or - on Windows - the
// address of the first selected interface, falling back to the
// wildcard if the selector resolved no concrete interface (the
// SelectDefault case).
func bindAddress(network string, ifaces []net.Interface) string {
	if !windowsBindWorkaround() || len(ifaces) == 0 {
		return fmt.Sprintf(":%d", mdnsPort)
	}
	v4, v6 := iface.AddrsForInterface(ifaces[0])
	addrs := v4
	if network == "udp6" {
		addrs = v6
	}
	if len(addrs) == 0 {
		return fmt.Sprintf(":%d", mdnsPort)
	}
	return fmt.Sprintf("%s:%d", addrs[0].String(), mdnsPort)
}

// listenReusable binds a UDP listener with SO_REUSEADDR/SO_REUSEPORT
// applied before bind, so that multiple mDNS participants (including
// the host OS's own responder) can share port 5353.
func listenReusable(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: controlReusePort}
	return lc.ListenPacket(context.Background(), network, address)
}
