package beacon

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/miekg/dns"
)

const (
	defaultInterval  = 10 * time.Second
	defaultMaxMissed = 2
	graceWindow      = 2 * time.Second
	// graceWindowHardCeiling resolves spec.md §9's open question: the
	// grace window is extended as packets are processed so sweeping
	// never happens too early, but never past 2x the base window, so a
	// packet flood cannot keep it open indefinitely.
	graceWindowHardCeiling = 2 * graceWindow
)

// Event is dispatched to a Browser's handler. It is one of FoundEvent,
// UpdatedEvent, or LostEvent.
type Event interface{ isEvent() }

// FoundEvent fires the first time a new address responds matching the
// browser's configured service_name.
type FoundEvent struct{ Responder *Responder }

// UpdatedEvent fires when an address already present in the presence
// table responds again.
type UpdatedEvent struct{ Old, New *Responder }

// LostEvent fires when a presence entry's missed_ticks reaches
// max_missed during a sweep.
type LostEvent struct{ Responder *Responder }

func (FoundEvent) isEvent()   {}
func (UpdatedEvent) isEvent() {}
func (LostEvent) isEvent()    {}

// EventHandler receives Browser events. It must be thread-safe: it runs
// on a dedicated worker, not the caller's goroutine, and must be
// idempotent since delivery is at-least-once per logical transition
// (spec.md §4.4).
type EventHandler func(Event)

// BrowserOption configures a Browser under construction.
type BrowserOption func(*browserConfig)

type browserConfig struct {
	serviceName  string
	interval     time.Duration
	maxMissed    int
	family       Family
	v4Interfaces InterfaceSelector
	v6Interfaces InterfaceSelector
	logger       logging.Logger
}

// WithServiceName filters responses to those naming this service (a
// PTR/SRV/TXT/... answer at this exact name). Unset (or "") means
// accept any response, the meta-query for all services.
func WithServiceName(name string) BrowserOption {
	return func(c *browserConfig) {
		if name != "" {
			name = dns.Fqdn(name)
		}
		c.serviceName = name
	}
}

// WithInterval overrides the default 10s tick interval.
func WithInterval(d time.Duration) BrowserOption {
	return func(c *browserConfig) { c.interval = d }
}

// WithMaxMissed overrides the default of 2 consecutive missed ticks
// before a presence entry is declared lost. 0 disables lost-event
// semantics entirely (spec.md §4.4, §9).
func WithMaxMissed(n int) BrowserOption {
	return func(c *browserConfig) { c.maxMissed = n }
}

// WithBrowserFamily selects which address families the browser's
// socket joins.
func WithBrowserFamily(f Family) BrowserOption {
	return func(c *browserConfig) { c.family = f }
}

// WithBrowserV4Interfaces selects the browser's IPv4 interfaces.
func WithBrowserV4Interfaces(sel InterfaceSelector) BrowserOption {
	return func(c *browserConfig) { c.v4Interfaces = sel }
}

// WithBrowserV6Interfaces selects the browser's IPv6 interfaces.
func WithBrowserV6Interfaces(sel InterfaceSelector) BrowserOption {
	return func(c *browserConfig) { c.v6Interfaces = sel }
}

// WithBrowserLogger attaches a dodeca logger.
func WithBrowserLogger(l logging.Logger) BrowserOption {
	return func(c *browserConfig) { c.logger = l }
}

// Browser periodically queries for a service and tracks which
// responders are currently present on the link (spec.md §4.4).
type Browser struct {
	cfg      browserConfig
	socket   *Socket
	presence *presenceTable
}

// NewBrowser constructs a browser and joins its multicast socket.
func NewBrowser(opts ...BrowserOption) (*Browser, error) {
	cfg := browserConfig{
		interval:     defaultInterval,
		maxMissed:    defaultMaxMissed,
		family:       FamilyBoth,
		v4Interfaces: DefaultInterfaces(),
		v6Interfaces: DefaultInterfaces(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sock, err := NewSocket(SocketConfig{
		Family:       cfg.family,
		V4Interfaces: cfg.v4Interfaces,
		V6Interfaces: cfg.v6Interfaces,
		Logger:       cfg.logger,
	})
	if err != nil {
		return nil, err
	}

	return &Browser{cfg: cfg, socket: sock, presence: newPresenceTable()}, nil
}

type recvOutcome struct {
	packet []byte
	source net.Addr
	err    error
}

// Run drives the discovery loop until ctx is canceled or a fatal
// socket error occurs, dispatching events to handler on a dedicated
// worker so a slow handler cannot stall packet ingestion (spec.md
// §4.4).
func (br *Browser) Run(ctx context.Context, handler EventHandler) error {
	defer br.socket.Close()

	disp := newDispatcher(handler)
	defer disp.close()

	recvCh := make(chan recvOutcome, 8)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go br.recvLoop(recvCtx, recvCh)

	ticker := time.NewTicker(br.cfg.interval)
	defer ticker.Stop()

	var windowOpen bool
	var windowDeadline, windowHard time.Time

	if err := br.sendQuery(); err != nil {
		logf(br.cfg.logger, "beacon: browser: initial query failed: %s", err)
	}

	for {
		// Shutdown is biased above everything else.
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Packet arrival is biased above tick/window timers.
		select {
		case out := <-recvCh:
			if err := br.handleRecvOutcome(out, disp, &windowOpen, &windowDeadline, windowHard); err != nil {
				return err
			}
			continue
		default:
		}

		var windowC <-chan time.Time
		if windowOpen {
			windowC = time.After(time.Until(windowDeadline))
		}

		select {
		case <-ctx.Done():
			return nil
		case out := <-recvCh:
			if err := br.handleRecvOutcome(out, disp, &windowOpen, &windowDeadline, windowHard); err != nil {
				return err
			}
		case <-ticker.C:
			if !windowOpen {
				if err := br.sendQuery(); err != nil {
					logf(br.cfg.logger, "beacon: browser: query failed: %s", err)
				}
				if br.cfg.maxMissed > 0 {
					windowOpen = true
					windowDeadline = time.Now().Add(graceWindow)
					windowHard = time.Now().Add(graceWindowHardCeiling)
				}
			}
		case <-windowC:
			windowOpen = false
			br.sweep(disp)
		}
	}
}

func (br *Browser) handleRecvOutcome(out recvOutcome, disp *dispatcher, windowOpen *bool, windowDeadline *time.Time, windowHard time.Time) error {
	if out.err != nil {
		return out.err
	}
	start := time.Now()
	br.handleResponse(out.packet, out.source, disp)
	if *windowOpen {
		extended := windowDeadline.Add(time.Since(start))
		if extended.After(windowHard) {
			extended = windowHard
		}
		*windowDeadline = extended
	}
	return nil
}

func (br *Browser) recvLoop(ctx context.Context, out chan<- recvOutcome) {
	buf := make([]byte, 65536)
	for {
		result, err := br.socket.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- recvOutcome{err: err}:
			case <-ctx.Done():
				return
			}
			continue
		}
		packet := make([]byte, result.N)
		copy(packet, buf[:result.N])
		select {
		case out <- recvOutcome{packet: packet, source: result.Source}:
		case <-ctx.Done():
			return
		}
	}
}

func (br *Browser) sendQuery() error {
	m := buildPTRQuery(br.cfg.serviceName)
	packed, err := m.Pack()
	if err != nil {
		return err
	}
	return br.socket.SendMulticast(packed)
}

// handleResponse implements spec.md §4.4's per-response algorithm, run
// both inside and outside the grace window.
func (br *Browser) handleResponse(packet []byte, source net.Addr, disp *dispatcher) {
	msg, err := decodeMessage(packet)
	if err != nil {
		debugf(br.cfg.logger, "beacon: browser: failed to decode packet: %s", err)
		return
	}
	if !msg.Response {
		return
	}
	if br.cfg.serviceName != "" && !answersName(msg, br.cfg.serviceName) {
		return
	}

	responder := &Responder{Address: source, LastResponse: msg, LastRespondedAt: time.Now()}

	if old, found := br.presence.lookup(source); found {
		disp.dispatch(UpdatedEvent{Old: old.Responder, New: responder})
	} else {
		disp.dispatch(FoundEvent{Responder: responder})
	}
	br.presence.upsert(responder)
}

// answersName reports whether any answer in msg names exactly name,
// the "name-only filtering, not type-checking" rule of spec.md §4.4.
func answersName(msg *dns.Msg, name string) bool {
	for _, rr := range msg.Answer {
		if strings.EqualFold(rr.Header().Name, name) {
			return true
		}
	}
	return false
}

// sweep runs spec.md §4.4 step 3: increment missed_ticks for every
// entry, evicting and dispatching Lost for those at max_missed.
func (br *Browser) sweep(disp *dispatcher) {
	lost := br.presence.sweep(br.cfg.maxMissed)
	for _, entry := range lost {
		disp.dispatch(LostEvent{Responder: entry.Responder})
	}
}

// dispatcher runs the user's EventHandler on a single dedicated
// goroutine, offloading it from the recv/tick loop (spec.md §4.4)
// while preserving causal per-address ordering (Found before any
// Update; Lost, if emitted, follows every prior Found/Update) since
// all events pass through one worker in arrival order.
type dispatcher struct {
	events chan Event
	done   chan struct{}
}

func newDispatcher(handler EventHandler) *dispatcher {
	d := &dispatcher{events: make(chan Event, 64), done: make(chan struct{})}
	go func() {
		defer close(d.done)
		for ev := range d.events {
			handler(ev)
		}
	}()
	return d
}

func (d *dispatcher) dispatch(ev Event) {
	d.events <- ev
}

func (d *dispatcher) close() {
	close(d.events)
	<-d.done
}
