package transfercore

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/apache/qdr-transfercore/internal/queue"
)

// Direction is a link's transfer direction (spec §3).
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// LinkType distinguishes the small set of link roles the forwarder and
// ingress state machine branch on (spec §3/§4.2/§4.3).
type LinkType int

const (
	LinkEndpoint LinkType = iota
	LinkControl
	LinkRouter
	LinkOther
)

// DrainAction tags a FLOW work unit with what changed about drain mode,
// so the I/O thread knows which AMQP flow bits to set when it eventually
// drains work_list (spec §4.5, testable scenario 6).
type DrainAction int

const (
	DrainNone DrainAction = iota
	DrainSet
	DrainClear
	DrainDrained
)

// LinkWorkKind tags what an entry on a link's work_list represents.
type LinkWorkKind int

const (
	WorkFlow LinkWorkKind = iota
	// WorkDisposition carries a delivery whose disposition must be
	// relayed to the peer over this (incoming) link — spec §4.3(c)'s
	// "push disposition to outbound" for the Unavailable rejection path.
	WorkDisposition
)

// LinkWork is one unit on a link's work_list (spec §3's Link.work_list),
// drained by the owning connection's I/O thread.
type LinkWork struct {
	Kind        LinkWorkKind
	Credit      uint32
	Drain       bool
	DrainAction DrainAction

	// Delivery is set for WorkDisposition.
	Delivery *Delivery
}

// Link is the per-link state described in spec §3, combining C2 (work
// queue) and C3 (credit/flow machine).
type Link struct {
	ID        uint64
	generation uint32

	Direction Direction
	Type      LinkType

	Edge           bool
	Fallback       bool
	DetachReceived bool

	StalledOutbound bool
	DrainMode       bool

	Capacity      uint32
	CreditPending uint32
	CreditStored  uint32

	// CreditToCore is atomic per SPEC_FULL's domain-stack note: it is
	// read from the egress transmit loop (I/O thread, under work_lock)
	// and written from the core thread's credit/flow machine.
	CreditToCore *atomic.Int32

	AttachCount                 uint32
	TotalDeliveries             uint64
	DroppedPresettledDeliveries uint64

	Connection *Connection
	OwningAddr *Address

	// ConnectedLink is the attach-routed peer, if this link bypasses
	// address-based forwarding entirely (spec §4.2 step 3).
	ConnectedLink linkHandle

	CoreEndpoint CoreEndpoint // nil unless this link is endpoint-bound

	Undelivered *deliveryList
	Unsettled   *deliveryList
	Settled     *deliveryList

	workList *queue.Queue[LinkWork]

	hasWork bool
}

// CoreEndpoint is the contract a link delegates delivery/flow handling
// to when bound to one (spec §4.2 step 2, §4.5's core_endpoint arm).
// It is an external collaborator; the transfer core only ever calls it.
type CoreEndpoint interface {
	Deliver(d *Delivery, more bool)
	Flow(credit uint32, drain bool)
}

// NewLink constructs a Link ready to be registered with a Core.
func NewLink(id uint64, dir Direction, typ LinkType, conn *Connection) *Link {
	return &Link{
		ID:           id,
		Direction:    dir,
		Type:         typ,
		Connection:   conn,
		CreditToCore: atomic.NewInt32(0),
		Undelivered:  newDeliveryList(InUndelivered),
		Unsettled:    newDeliveryList(InUnsettled),
		Settled:      newDeliveryList(InSettled),
		workList:     queue.New[LinkWork](4),
	}
}

func (l *Link) handle() linkHandle {
	return linkHandle{id: l.ID, gen: l.generation}
}

// pushWork appends a work item under the owning connection's work_lock
// (spec §5: per-link queues are shared with the I/O thread and protected
// by conn->work_lock). It does not add the link to links_with_work;
// callers that need that call Connection.addLinkWork.
func (l *Link) pushWork(w LinkWork) {
	l.Connection.withWorkLock(func() {
		l.workList.Enqueue(w)
	})
}

// DrainWork pops all pending work items (the I/O thread's side of C2).
func (l *Link) DrainWork() []LinkWork {
	var out []LinkWork
	l.Connection.withWorkLock(func() {
		for {
			w := l.workList.Dequeue()
			if w == nil {
				break
			}
			out = append(out, *w)
		}
	})
	return out
}

// convertAbsoluteToIncremental implements the caller-side half of
// link_flow (spec §4.5): absolute credit from transport is turned into
// an incremental delta against credit_to_core, with the drain-exit reset
// exception. Called before an action carrying the incremental value is
// dispatched to the core thread.
func (l *Link) convertAbsoluteToIncremental(absolute uint32, newDrain bool) uint32 {
	if l.DrainMode && !newDrain {
		l.CreditToCore.Store(0)
	}
	cur := l.CreditToCore.Load()
	delta := int64(absolute) - int64(cur)
	if delta < 0 {
		delta = 0
	}
	l.CreditToCore.Add(int32(delta))
	return uint32(delta)
}

// issueCreditCT is issue_credit_CT from spec §4.5: grants credit to an
// incoming endpoint-bound link, folding in any drain-mode change, and
// emits one FLOW work unit unless no credit is granted and drain mode is
// unchanged.
func (l *Link) issueCreditCT(credit uint32, drain bool) {
	drainChanged := l.DrainMode != drain
	l.DrainMode = drain

	if credit >= l.CreditPending {
		l.CreditPending = 0
	} else {
		l.CreditPending -= credit
	}

	if !drainChanged && credit == 0 {
		return
	}

	da := DrainNone
	if drainChanged {
		if drain {
			da = DrainSet
		} else {
			da = DrainClear
		}
	}
	l.pushWork(LinkWork{Kind: WorkFlow, Credit: credit, Drain: drain, DrainAction: da})
}

// Connection owns the per-connection work_lock and the set of links with
// pending work (spec §3/§5).
type Connection struct {
	mu sync.Mutex

	// TenantSpace is the address-prefix annotation applied to to_addr
	// lookups for multi-tenant deployments (spec §4.2 step 4).
	TenantSpace string

	// Edge marks this as the connection role EDGE_CONNECTION (spec §3).
	Edge bool

	// linksWithWork buckets links by priority, mirroring
	// links_with_work's "priority buckets 0..N" (spec §3). Only a single
	// bucket, priority 0, exists; every addLinkWork call in this package
	// (§4.5 step 2/3, forwarding) passes priority 0.
	linksWithWork [1][]*Link

	// Activate is the activation callback (connection_activate_CT, spec
	// §5): idempotent, safe to call without holding any lock.
	Activate func(*Connection)
}

// NewConnection creates a Connection with its activation callback wired.
func NewConnection(activate func(*Connection)) *Connection {
	return &Connection{Activate: activate}
}

func (c *Connection) withWorkLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// lock/unlock expose conn->work_lock directly for call sites (the
// egress transmit loop, spec §4.4) that must interleave lock/unlock
// with control flow a single closure can't express cleanly.
func (c *Connection) lock()   { c.mu.Lock() }
func (c *Connection) unlock() { c.mu.Unlock() }

// addLinkWork adds link to links_with_work at the given priority bucket
// and requests activation, matching spec §4.5 step 2/3's "add link to
// links_with_work@priority 0, mark activate."
func (c *Connection) addLinkWork(link *Link, priority int) {
	c.withWorkLock(func() {
		if !link.hasWork {
			link.hasWork = true
			c.linksWithWork[priority] = append(c.linksWithWork[priority], link)
		}
	})
}

// TakeLinksWithWork drains the priority-0 bucket of links_with_work for
// the I/O thread to process, clearing their hasWork flag.
func (c *Connection) TakeLinksWithWork() []*Link {
	var out []*Link
	c.withWorkLock(func() {
		out = c.linksWithWork[0]
		c.linksWithWork[0] = nil
		for _, l := range out {
			l.hasWork = false
		}
	})
	return out
}

func (c *Connection) activate() {
	if c.Activate != nil {
		c.Activate(c)
	}
}
