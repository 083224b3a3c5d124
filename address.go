package transfercore

import "math/bits"

// Treatment is an address's forwarding policy (spec §3/§4.3, design note
// "Forwarder polymorphism": a tagged variant, one arm per policy).
type Treatment int

const (
	TreatmentAnycastClosest Treatment = iota
	TreatmentAnycastBalanced
	TreatmentMulticast
	TreatmentExchange
	TreatmentUnavailable
)

// Subscription is an in-process receiver of forwarded deliveries —
// spec §3's address subscriptions, an external collaborator reached only
// through this interface.
type Subscription interface {
	Deliver(d *Delivery) bool
}

// ExchangeBinding is one binding entry of an address's exchange (spec §3:
// "optional exchange (with bindings, alternate)"); original_source's
// inclusion of exchange_bindings.h is the basis for counting these toward
// path_count rather than leaving them as unused struct fields (see
// SPEC_FULL.md "SUPPLEMENTED FEATURES").
type ExchangeBinding struct {
	Link *Link
}

// Exchange groups an address's bindings and alternate target.
type Exchange struct {
	Bindings  []ExchangeBinding
	Alternate *Address
}

// Address is the subset of the router's address table this package needs
// to make a forwarding decision (spec §3/C8).
type Address struct {
	Key string

	Subscriptions []Subscription
	RLinks        []*Link
	// RNodes is a bitmask of remote routers known to host a subscriber
	// for this address; popcount(RNodes) contributes to path_count.
	RNodes uint64
	InLinks []*Link

	Exchange *Exchange

	Fallback    *Address
	FallbackFor []*Address

	Treatment         Treatment
	RouterControlOnly bool

	// balancedNext is round-robin state for TreatmentAnycastBalanced.
	balancedNext int

	// Counters mirror spec §6's per-address analogs of the per-core
	// ingress/redirect/dropped counters; wired to real prometheus
	// instruments by Core (metrics.go).
	Counters AddressCounters
}

// AddressCounters holds the per-address counts spec §6 calls out as
// "incremented only."
type AddressCounters struct {
	DeliveriesIngress int64
	DeliveriesEgress  int64
	DroppedPresettled int64
}

// NewAddress creates an address with the given key and treatment.
func NewAddress(key string, treatment Treatment) *Address {
	return &Address{Key: key, Treatment: treatment}
}

// PathCount implements spec §8 property 4:
//
//	path_count = |subscriptions| + |rlinks| + popcount(rnodes) + exchange_bindings + (alternate ? 1 : 0)
func (a *Address) PathCount() int {
	if a == nil {
		return 0
	}
	n := len(a.Subscriptions) + len(a.RLinks) + bits.OnesCount64(a.RNodes)
	if a.Exchange != nil {
		n += len(a.Exchange.Bindings)
		if a.Exchange.Alternate != nil {
			n++
		}
	}
	return n
}

// fallbackPathCount is path_count(address->fallback) from spec §4.3(a),
// treating a nil fallback as zero paths.
func (a *Address) fallbackPathCount() int {
	if a == nil || a.Fallback == nil {
		return 0
	}
	return a.Fallback.PathCount()
}

// addInLink registers an incoming link as using this address as its
// owning_addr, used by addr_start_inlinks bookkeeping (spec §4.7). Called
// from Core.BindOwningAddress at attach time.
func (a *Address) addInLink(l *Link) {
	a.InLinks = append(a.InLinks, l)
}

// AddressTable is the core-thread-exclusive hash-keyed address lookup
// (spec §5: "The address hash table ... [is] core-thread-exclusive").
// A plain map is used rather than an evicting cache — see DESIGN.md for
// why github.com/hashicorp/golang-lru was considered and declined.
type AddressTable struct {
	byKey map[string]*Address
}

// NewAddressTable creates an empty address table.
func NewAddressTable() *AddressTable {
	return &AddressTable{byKey: make(map[string]*Address)}
}

// Lookup returns the address for key, or nil if there is no hit.
func (t *AddressTable) Lookup(key string) *Address {
	return t.byKey[key]
}

// Insert adds or replaces the address at its own key.
func (t *AddressTable) Insert(a *Address) {
	t.byKey[a.Key] = a
}

// Delete removes the address at key.
func (t *AddressTable) Delete(key string) {
	delete(t.byKey, key)
}
