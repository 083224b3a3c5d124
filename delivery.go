package transfercore

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/apache/qdr-transfercore/internal/queue"
)

// maxDeliveryTagLength mirrors QDR_DELIVERY_TAG_MAX from spec §3.
const maxDeliveryTagLength = 32

// Where is the list-membership tag a Delivery carries (spec §3). Exactly
// one of {Undelivered, Unsettled, Settled} holds while the delivery is
// list-resident; Nowhere means it currently belongs to none.
type Where int

const (
	Nowhere Where = iota
	InAction
	InUndelivered
	InUnsettled
	InSettled
	WhereUnknown
)

func (w Where) String() string {
	switch w {
	case Nowhere:
		return "nowhere"
	case InAction:
		return "action"
	case InUndelivered:
		return "undelivered"
	case InUnsettled:
		return "unsettled"
	case InSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// DispositionError carries the AMQP error condition/text surfaced on a
// rejected disposition (spec §6/§7).
type DispositionError struct {
	Cond ErrCond
	Text string
}

func (e *DispositionError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Cond) + ": " + e.Text
}

// Disposition values (spec §3's uint64 disposition, restricted here to
// the terminal outcomes this core produces or reacts to).
const (
	DispositionUnknown  uint64 = 0
	DispositionAccepted uint64 = 0x24
	DispositionRejected uint64 = 0x25
	DispositionReleased uint64 = 0x26
	DispositionModified uint64 = 0x27
)

// linkHandle is a generation-tagged weak reference to a Link, resolved
// through Core's link table before every dereference (spec §9, "Cyclic
// ownership": delivery <-> link <-> connection is broken by making the
// back-reference a validated handle rather than a strong pointer).
type linkHandle struct {
	id  uint64
	gen uint32
}

func (h linkHandle) valid() bool { return h.id != 0 }

// Delivery is the in-flight unit of transfer described in spec §3.
//
// Ref-count discipline (spec §4.1): created with refCount==2 (one for
// "owned by the action that created it," one "returned to the caller").
// List membership does not bump refCount on its own — a delivery handed
// from the action to a list, or moved between lists, carries the same
// ref forward. Call DecRef explicitly at the points spec §4.3/§4.4 name
// as terminal (release, full settlement, drop after complete transmit);
// failing to do so leaks the delivery, and calling it without first
// removing the delivery from its list double-frees it.
type Delivery struct {
	Msg *Message

	Origin string
	ToAddr string // empty means unset

	Settled    bool
	Presettled bool
	Multicast  bool
	ViaEdge    bool

	// LinkExclusion is a bitmask of link ids to exclude from fanout; 0
	// means no exclusion.
	LinkExclusion uint64

	IngressIndex int
	IngressTime  time.Time

	Disposition uint64
	Err         *DispositionError

	Tag []byte

	link linkHandle

	where Where

	// Peers lists fanout copies created for other links (spec §3, "zero
	// or more peer links for fanout").
	Peers []*Delivery

	refCount *atomic.Int32
}

// newDelivery creates a delivery at ingress with refCount=2, matching
// spec §4.1's "one for owned-by-action, one returned-to-caller."
func newDelivery(msg *Message, origin string, link linkHandle) *Delivery {
	d := &Delivery{
		Msg:         msg,
		Origin:      origin,
		IngressTime: time.Now(),
		link:        link,
		where:       InAction,
		refCount:    atomic.NewInt32(2),
	}
	return d
}

// ensureTag synthesizes a delivery tag when the link layer didn't supply
// one, per SPEC_FULL's domain-stack note: a uuid fits comfortably inside
// the 32-byte tag budget.
func (d *Delivery) ensureTag() {
	if len(d.Tag) != 0 {
		return
	}
	id := uuid.New()
	d.Tag = id[:]
}

// RefCount returns the current reference count, for tests and invariant
// checks (spec §8 property 2).
func (d *Delivery) RefCount() int32 {
	return d.refCount.Load()
}

// Where reports the delivery's current list-membership tag.
func (d *Delivery) Where() Where {
	return d.where
}

// IncRef adds a reference. Used when a delivery gains an additional
// owner beyond its originating action/list (e.g. the egress loop's local
// ref held across a released work_lock, spec §4.4 step 2).
func (d *Delivery) IncRef() {
	d.refCount.Inc()
}

// DecRef drops a reference, freeing the underlying message once the
// count reaches zero. Returns true if this call freed the delivery.
func (d *Delivery) DecRef() bool {
	if d.refCount.Dec() > 0 {
		return false
	}
	if d.Msg != nil {
		d.Msg.Free()
		d.Msg = nil
	}
	return true
}

// deliveryList is the typed intrusive-list abstraction from spec §9's
// design note: each list's Push/Pop keeps Delivery.where in sync with
// actual membership so property 1 (exactly one list, or Nowhere) holds
// by construction instead of by hand-counted narrative discipline.
//
// Push/Pop never incref or decref on their own — per spec §4.1, moving a
// delivery between lists hands over the existing ref unchanged. Callers
// that remove a delivery without immediately re-homing it elsewhere are
// responsible for calling DecRef at that point.
type deliveryList struct {
	loc   Where
	items *queue.Queue[*Delivery]
}

func newDeliveryList(loc Where) *deliveryList {
	return &deliveryList{loc: loc, items: queue.New[*Delivery](8)}
}

// PushBack appends d, marking its location as this list's.
func (l *deliveryList) PushBack(d *Delivery) {
	d.where = l.loc
	l.items.Enqueue(d)
}

// PopFront removes and returns the head, or nil if empty. The popped
// delivery's where is set to Nowhere; callers that re-home it into
// another list immediately overwrite it via that list's PushBack, which
// is exactly the "neither incref nor decref" handoff spec §4.1 describes.
func (l *deliveryList) PopFront() *Delivery {
	pp := l.items.Dequeue()
	if pp == nil {
		return nil
	}
	d := *pp
	d.where = Nowhere
	return d
}

// PeekFront returns the head without removing it.
func (l *deliveryList) PeekFront() *Delivery {
	pp := l.items.Peek()
	if pp == nil {
		return nil
	}
	return *pp
}

// Len returns the number of deliveries currently on the list.
func (l *deliveryList) Len() int {
	return l.items.Len()
}
