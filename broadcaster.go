package beacon

import (
	"context"
	"net"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/miekg/dns"
)

// BroadcasterState is the lifecycle state of a running Broadcaster
// (spec.md §4.3).
type BroadcasterState int

const (
	StateRunning BroadcasterState = iota
	StateShuttingDown
	StateTerminated
)

// BroadcasterOption configures a Broadcaster under construction.
type BroadcasterOption func(*broadcasterConfig)

type broadcasterConfig struct {
	loopback     bool
	family       Family
	v4Interfaces InterfaceSelector
	v6Interfaces InterfaceSelector
	logger       logging.Logger
}

// WithLoopback enables the multicast loopback flag, allowing other
// processes on the same host to observe this broadcaster's traffic.
func WithLoopback(enabled bool) BroadcasterOption {
	return func(c *broadcasterConfig) { c.loopback = enabled }
}

// WithFamily selects which address families the broadcaster's socket
// joins.
func WithFamily(f Family) BroadcasterOption {
	return func(c *broadcasterConfig) { c.family = f }
}

// WithV4Interfaces selects the broadcaster's IPv4 interfaces.
func WithV4Interfaces(sel InterfaceSelector) BroadcasterOption {
	return func(c *broadcasterConfig) { c.v4Interfaces = sel }
}

// WithV6Interfaces selects the broadcaster's IPv6 interfaces.
func WithV6Interfaces(sel InterfaceSelector) BroadcasterOption {
	return func(c *broadcasterConfig) { c.v6Interfaces = sel }
}

// WithBroadcasterLogger attaches a dodeca logger.
func WithBroadcasterLogger(l logging.Logger) BroadcasterOption {
	return func(c *broadcasterConfig) { c.logger = l }
}

// Broadcaster answers mDNS queries for a table of advertised services
// (spec.md §4.3). Build one with NewBroadcaster, populate it via
// AddService, then Run it on the caller's goroutine or
// RunInBackground it for a managed handle.
type Broadcaster struct {
	cfg    broadcasterConfig
	table  *serviceTable
	socket *Socket
	state  BroadcasterState
}

// NewBroadcaster constructs a broadcaster and joins its multicast
// socket. The returned Broadcaster is not yet serving queries; call Run
// or RunInBackground.
func NewBroadcaster(opts ...BroadcasterOption) (*Broadcaster, error) {
	cfg := broadcasterConfig{
		family:       FamilyBoth,
		v4Interfaces: DefaultInterfaces(),
		v6Interfaces: DefaultInterfaces(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sock, err := NewSocket(SocketConfig{
		Loopback:     cfg.loopback,
		Family:       cfg.family,
		V4Interfaces: cfg.v4Interfaces,
		V6Interfaces: cfg.v6Interfaces,
		Logger:       cfg.logger,
	})
	if err != nil {
		return nil, err
	}

	return &Broadcaster{cfg: cfg, table: newServiceTable(), socket: sock, state: StateRunning}, nil
}

// AddService adds or replaces svc in the service table (spec.md §4.3).
func (b *Broadcaster) AddService(svc *Service) error {
	return b.table.addService(svc)
}

// RemoveNamedService removes the service identified by
// (serviceType, instanceName), reporting whether anything was removed.
func (b *Broadcaster) RemoveNamedService(serviceType, instanceName string) bool {
	return b.table.removeByIdentity(serviceType, instanceName)
}

// RemoveServiceType removes every service of the given type, reporting
// whether anything was removed.
func (b *Broadcaster) RemoveServiceType(serviceType string) bool {
	return b.table.removeByType(serviceType)
}

// RemoveService removes the service matching svc's identity, reporting
// whether anything was removed.
func (b *Broadcaster) RemoveService(svc *Service) bool {
	return b.table.removeByRef(svc)
}

// Run serves queries until ctx is canceled or a fatal socket error
// occurs, implementing the per-packet algorithm of spec.md §4.3.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer func() {
		b.state = StateTerminated
		b.socket.Close()
	}()

	// A single-family Recv does not watch ctx, so cancellation closes
	// the socket to unblock it.
	stopClose := context.AfterFunc(ctx, func() { b.socket.Close() })
	defer stopClose()

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			b.state = StateShuttingDown
			return nil
		default:
		}

		result, err := b.socket.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				b.state = StateShuttingDown
				return nil
			}
			// Recv only fails on the shared socket itself (join lost,
			// interface gone, read error), never on a malformed
			// datagram, so it is not safe to keep looping: surface it
			// and let the caller/handle decide (spec.md §4.3, §7).
			return err
		}

		b.handlePacket(buf[:result.N], result.Source)
	}
}

func (b *Broadcaster) handlePacket(packet []byte, from net.Addr) {
	if len(packet) == 0 {
		return
	}

	msg, err := decodeMessage(packet)
	if err != nil {
		debugf(b.cfg.logger, "beacon: broadcaster: failed to decode packet: %s", err)
		return
	}
	if msg.Truncated {
		debugf(b.cfg.logger, "beacon: broadcaster: dropping truncated query")
		return
	}
	if len(msg.Question) == 0 {
		return
	}

	q := msg.Question[0]
	for _, rec := range b.table.matching(q.Name) {
		b.reply(rec, q, from)
	}
}

func (b *Broadcaster) reply(rec *ServiceRecord, q dns.Question, from net.Addr) {
	if isUnicastQuestion(q) {
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			logf(b.cfg.logger, "beacon: broadcaster: unicast reply requested from non-UDP source %v", from)
			return
		}
		if err := b.socket.SendTo(rec.response.packed, udpAddr); err != nil {
			logf(b.cfg.logger, "beacon: broadcaster: unicast reply failed: %s", err)
		}
		return
	}
	if err := b.socket.SendMulticast(rec.response.packed); err != nil {
		logf(b.cfg.logger, "beacon: broadcaster: multicast reply failed: %s", err)
	}
}
