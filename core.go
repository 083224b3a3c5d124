package transfercore

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/apache/qdr-transfercore/internal/debug"
)

// CoreCounters are the per-core counters spec §6 calls "incremented
// only": deliveries_ingress, deliveries_ingress_route_container,
// deliveries_redirected, dropped_presettled_deliveries.
type CoreCounters struct {
	DeliveriesIngress              int64
	DeliveriesIngressRouteContainer int64
	DeliveriesRedirected           int64
	DroppedPresettledDeliveries    int64
}

// linkEntry is Core's side of the generation-tagged weak link reference
// (spec §9): a delivery holds a linkHandle, never a *Link, and every
// dereference goes through resolveLink.
type linkEntry struct {
	link *Link
	gen  uint32
}

// CoreOption configures a Core at construction time, in the spirit of
// the teacher's functional-options constructors (SenderOptions/LinkOption).
type CoreOption func(*Core)

// WithMetrics supplies the prometheus counter set (built and registered
// by NewMetrics) the core increments. If never supplied, NewCore calls
// NewMetrics(nil), which registers on a private registry, so the
// counters still work standalone (e.g. in tests).
func WithMetrics(m *Metrics) CoreOption {
	return func(c *Core) { c.metrics = m }
}

// WithEdgeUplink supplies the edge_conn_addr collaborator (spec §6):
// its mere presence signals "we are an edge router."
func WithEdgeUplink(f func() *Address) CoreOption {
	return func(c *Core) { c.edgeConnAddr = f }
}

// WithDefaultTreatment overrides the treatment applied when an address
// lookup misses entirely (spec §4.3(c)). Defaults to Unavailable.
func WithDefaultTreatment(t Treatment) CoreOption {
	return func(c *Core) { c.defaultTreatment = t }
}

// WithRestartReceive supplies the collaborator that asks a streaming
// sender to restart a pre-settled delivery that was released before it
// finished arriving (spec §7: "requests the receiver to restart so body
// bytes aren't wasted"). Optional; a nil handler is a no-op.
func WithRestartReceive(f func(link *Link)) CoreOption {
	return func(c *Core) { c.restartReceive = f }
}

// Core is the process-wide context described in spec §9's "Global state"
// design note: explicit init/teardown, callbacks carried as plain
// function values rather than implicit singletons.
type Core struct {
	Addresses *AddressTable

	linksMu    sync.Mutex
	links      map[uint64]*linkEntry
	nextLinkID uint64

	actions *ActionQueue
	stop    chan struct{}
	eg      *errgroup.Group

	deliverHandler   func(link *Link, d *Delivery, settled bool) uint64
	offerHandler     func(link *Link, remaining int)
	edgeConnAddr     func() *Address
	restartReceive   func(link *Link)
	defaultTreatment Treatment

	metrics  *Metrics
	counters CoreCounters
}

// isEdgeRouter reports whether this core has an edge uplink configured
// (spec §6: "presence is the signal that 'we are an edge router'").
func (c *Core) isEdgeRouter() bool {
	return c.edgeConnAddr != nil
}

// NewCore constructs a Core. deliverHandler and offerHandler are the
// transport callback contract from spec §6. deliverHandler is required:
// the egress loop calls it unconditionally. offerHandler may be nil, in
// which case the egress loop skips the offer notification.
func NewCore(deliverHandler func(link *Link, d *Delivery, settled bool) uint64, offerHandler func(link *Link, remaining int), opts ...CoreOption) *Core {
	c := &Core{
		Addresses:        NewAddressTable(),
		links:            make(map[uint64]*linkEntry),
		actions:          NewActionQueue(),
		stop:             make(chan struct{}),
		deliverHandler:   deliverHandler,
		offerHandler:     offerHandler,
		defaultTreatment: TreatmentUnavailable,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// RegisterLink adds l to the core's link table and returns the weak
// handle deliveries will carry as their back-reference (spec §9).
func (c *Core) RegisterLink(l *Link) linkHandle {
	c.linksMu.Lock()
	defer c.linksMu.Unlock()
	c.nextLinkID++
	id := c.nextLinkID
	l.ID = id
	l.generation = 1
	c.links[id] = &linkEntry{link: l, gen: l.generation}
	return linkHandle{id: id, gen: l.generation}
}

// DeregisterLink removes l from the table and bumps its generation, so
// any handle still referencing it fails validation instead of resolving
// to a reused slot (spec §9).
func (c *Core) DeregisterLink(l *Link) {
	c.linksMu.Lock()
	defer c.linksMu.Unlock()
	if e, ok := c.links[l.ID]; ok {
		e.gen++
		l.generation = e.gen
		delete(c.links, l.ID)
	}
}

// resolveLink validates and dereferences a weak link handle.
func (c *Core) resolveLink(h linkHandle) (*Link, bool) {
	if !h.valid() {
		return nil, false
	}
	c.linksMu.Lock()
	defer c.linksMu.Unlock()
	e, ok := c.links[h.id]
	if !ok || e.gen != h.gen {
		return nil, false
	}
	return e.link, true
}

// resolveLinkLogged wraps resolveLink for the call sites where a miss
// represents a stale weak handle worth tracing (spec §9's validated-handle
// model): it wraps errInvalidLinkHandle with a stack trace at the point
// the failure is first observed and logs it, rather than silently
// swallowing the miss the way a bare bool return would.
func (c *Core) resolveLinkLogged(ctx context.Context, h linkHandle, where string) (*Link, bool) {
	link, ok := c.resolveLink(h)
	if !ok {
		err := wrapf(errInvalidLinkHandle, "%s: link id=%d gen=%d", where, h.id, h.gen)
		debug.Log(ctx, slog.LevelWarn, "core: "+err.Error())
	}
	return link, ok
}

// Dispatch enqueues an action for the core thread. Safe to call from any
// goroutine (spec §5: any thread may enqueue an action).
func (c *Core) Dispatch(a Action) {
	c.actions.Enqueue(a)
}

// Run starts the single core thread (spec §5) in its own goroutine and
// returns immediately; the thread consumes actions until ctx is done or
// Close is called. It never returns an error from within the
// loop itself; errgroup is used purely for the "own one goroutine, join
// it cleanly" lifecycle shape, not for error propagation between
// unrelated subsystems.
func (c *Core) Run(ctx context.Context) error {
	c.eg, ctx = errgroup.WithContext(ctx)
	c.eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			a, ok := c.actions.Dequeue(c.stop)
			if !ok {
				return nil
			}
			debug.Log(ctx, slog.LevelDebug, "core: dispatch action", "kind", a.Kind)
			a.run(c, &a)
		}
	})
	return nil
}

// Close stops the core thread and discards any actions still queued,
// per spec §5's cancellation contract: handlers release owned resources
// and make no other state changes once Discard is set.
func (c *Core) Close() error {
	close(c.stop)
	if c.eg != nil {
		_ = c.eg.Wait()
	}
	c.actions.DiscardAll()
	return nil
}

// BindOwningAddress sets link's owning_addr at attach time (spec §3's
// "owning address (optional)"; the attach handler itself is out of this
// module's scope per spec §1). Incoming links are registered on addr's
// InLinks so addrStartInlinks (spec §4.7) can reach them once the
// address gains its first path, and addrStartInlinks is invoked
// immediately in case the address already has one.
func (c *Core) BindOwningAddress(link *Link, addr *Address) {
	link.OwningAddr = addr
	if addr == nil {
		return
	}
	if link.Direction == Incoming {
		addr.addInLink(link)
	}
	c.addrStartInlinks(addr)
}

// activateConnection calls the connection's activation callback. It is
// idempotent and safe to call while holding no lock (spec §5).
func (c *Core) activateConnection(conn *Connection) {
	if conn != nil {
		conn.activate()
	}
}
