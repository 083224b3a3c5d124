package transfercore

import (
	"context"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/apache/qdr-transfercore/internal/debug"
)

// linkExcluded reports whether target is masked out of fanout by the
// delivery's link_exclusion bitmask (spec §3). Only links with id < 64
// are representable in the mask; routers with more links than that
// simply never exclude the overflow, which is an accepted limitation of
// using a single bitmask word (spec's own chosen representation).
func linkExcluded(dlv *Delivery, target *Link) bool {
	if dlv.LinkExclusion == 0 || target.ID >= 64 {
		return false
	}
	return dlv.LinkExclusion&(1<<target.ID) != 0
}

// forwardToLink is the common "deliver a copy to one outgoing link" step
// every treatment arm below builds on: it creates a fresh peer delivery
// (spec §3, "zero or more peer links for fanout"; §4.2 step 3's copy
// discipline generalized to every fanout target, not just attach-routed
// ones), enqueues it on the target's undelivered list, and activates the
// owning connection so its I/O thread runs process_deliveries (spec §2's
// data-flow summary).
func (core *Core) forwardToLink(target *Link, original *Delivery) bool {
	if target == nil || target.DetachReceived {
		return false
	}
	if linkExcluded(original, target) {
		return false
	}

	peer := &Delivery{
		Msg:          original.Msg.Copy(),
		Origin:       original.Origin,
		ToAddr:       original.ToAddr,
		Settled:      original.Settled,
		Presettled:   original.Presettled,
		Multicast:    original.Multicast,
		ViaEdge:      original.ViaEdge,
		IngressIndex: original.IngressIndex,
		IngressTime:  original.IngressTime,
		Tag:          append([]byte(nil), original.Tag...),
		link:         target.handle(),
		where:        Nowhere,
		refCount:     atomic.NewInt32(1),
	}
	target.Undelivered.PushBack(peer)
	original.Peers = append(original.Peers, peer)

	target.Connection.addLinkWork(target, 0)
	core.activateConnection(target.Connection)
	return true
}

// forwardMessage is C4's forward_message: given an address already
// resolved to a treatment, decide the target set and enqueue on each,
// returning the fanout. The treatment dispatch is the tagged-variant
// polymorphism spec §9's design note calls for — one small function per
// arm instead of one large conditional.
func (core *Core) forwardMessage(addr *Address, dlv *Delivery, excludeInProcess bool, control bool) int {
	switch addr.Treatment {
	case TreatmentMulticast:
		return core.forwardMulticast(addr, dlv, excludeInProcess)
	case TreatmentAnycastBalanced:
		return core.forwardAnycastBalanced(addr, dlv, excludeInProcess)
	case TreatmentExchange:
		return core.forwardExchange(addr, dlv)
	case TreatmentUnavailable:
		return 0
	default: // TreatmentAnycastClosest
		return core.forwardAnycastClosest(addr, dlv, excludeInProcess)
	}
}

func (core *Core) forwardAnycastClosest(addr *Address, dlv *Delivery, excludeInProcess bool) int {
	for _, l := range addr.RLinks {
		if core.forwardToLink(l, dlv) {
			return 1
		}
	}
	if !excludeInProcess {
		for _, s := range addr.Subscriptions {
			if s.Deliver(dlv) {
				return 1
			}
		}
	}
	return 0
}

func (core *Core) forwardAnycastBalanced(addr *Address, dlv *Delivery, excludeInProcess bool) int {
	n := len(addr.RLinks)
	for i := 0; i < n; i++ {
		idx := (addr.balancedNext + i) % n
		l := addr.RLinks[idx]
		if core.forwardToLink(l, dlv) {
			addr.balancedNext = (idx + 1) % n
			return 1
		}
	}
	if !excludeInProcess {
		for _, s := range addr.Subscriptions {
			if s.Deliver(dlv) {
				return 1
			}
		}
	}
	return 0
}

func (core *Core) forwardMulticast(addr *Address, dlv *Delivery, excludeInProcess bool) int {
	fanout := 0
	for _, l := range addr.RLinks {
		if core.forwardToLink(l, dlv) {
			fanout++
		}
	}
	if !excludeInProcess {
		for _, s := range addr.Subscriptions {
			if s.Deliver(dlv) {
				fanout++
			}
		}
	}
	return fanout
}

func (core *Core) forwardExchange(addr *Address, dlv *Delivery) int {
	if addr.Exchange == nil {
		return 0
	}
	fanout := 0
	for _, b := range addr.Exchange.Bindings {
		if core.forwardToLink(b.Link, dlv) {
			fanout++
		}
	}
	if fanout == 0 && addr.Exchange.Alternate != nil {
		return core.forwardMessage(addr.Exchange.Alternate, dlv, false, false)
	}
	return fanout
}

// rewriteToFallback applies spec §4.3(e)'s message rewrite: the
// fallback address key's first two bytes are a hash-class prefix and a
// phase digit; the override `to` is the remainder.
func rewriteToFallback(dlv *Delivery, fallbackKey string) {
	if len(fallbackKey) < 2 {
		dlv.Msg.SetToOverrideAnnotation(fallbackKey)
		return
	}
	phase := int(fallbackKey[1] - '0')
	dlv.Msg.SetPhaseAnnotation(phase)
	dlv.Msg.SetToOverrideAnnotation(fallbackKey[2:])
	dlv.ToAddr = fallbackKey[2:]
}

// deliveryReleaseCT signals `released` upstream and, for a streaming
// pre-settled delivery, asks the receiver to restart so the bytes
// already sent aren't wasted (spec §7).
func (core *Core) deliveryReleaseCT(dlv *Delivery, link *Link) {
	dlv.Disposition = DispositionReleased
	if dlv.Presettled && !dlv.Msg.ReceiveComplete() && core.restartReceive != nil {
		core.restartReceive(link)
	}
}

// bumpIngressCounters applies spec §6's ingress counters, skipped for
// CONTROL/ROUTER links or fallback links per spec §4.3(b).
func (core *Core) bumpIngressCounters(link *Link, addr *Address) {
	if link.Type == LinkControl || link.Type == LinkRouter || link.Fallback {
		return
	}
	core.counters.DeliveriesIngress++
	addr.Counters.DeliveriesIngress++
	if core.metrics != nil {
		core.metrics.DeliveriesIngress.Inc()
		core.metrics.AddressIngress.WithLabelValues(addr.Key).Inc()
	}
}

// linkForwardCT is C4's decision tree from spec §4.3, evaluated in the
// order the spec lists its arms (a) through (f).
func (core *Core) linkForwardCT(link *Link, dlv *Delivery, addr *Address, more bool) {
	// (a) No path, targeted sender.
	if addr != nil && addr == link.OwningAddr && addr.PathCount() == 0 &&
		(link.Fallback || addr.fallbackPathCount() == 0) {
		core.deliveryReleaseCT(dlv, link)
		if dlv.Presettled {
			link.DroppedPresettledDeliveries++
			core.counters.DroppedPresettledDeliveries++
			addr.Counters.DroppedPresettled++
			if core.metrics != nil {
				core.metrics.DroppedPresettledDeliveries.Inc()
				core.metrics.LinkDroppedPresettled.WithLabelValues(linkMetricLabel(link)).Inc()
			}
		}
		if !link.Connection.Edge {
			link.issueCreditCT(0, true)
		}
		if link.Edge || dlv.Multicast {
			link.issueCreditCT(1, link.DrainMode)
		} else {
			link.CreditPending++
		}
		dlv.DecRef()
		return
	}

	fanout := 0
	if addr != nil {
		// (b) Forward to address.
		dlv.Multicast = addr.Treatment == TreatmentMulticast
		fanout = core.forwardMessage(addr, dlv, false, link.Type == LinkControl)
		core.bumpIngressCounters(link, addr)
	} else if core.defaultTreatment == TreatmentUnavailable {
		// (c) No address, default treatment UNAVAILABLE.
		dlv.Disposition = DispositionRejected
		dlv.Err = newUnavailableError()
		link.pushWork(LinkWork{Kind: WorkDisposition, Delivery: dlv})
		debug.Log(context.Background(), slog.LevelInfo, "CT-FORWARD: rejected unavailable address", "origin", dlv.Origin)
		return
	}

	// (d) Anonymous miss: retry via the edge uplink.
	if fanout == 0 && !dlv.Multicast && link.OwningAddr == nil && dlv.ToAddr != "" &&
		core.isEdgeRouter() && !link.Connection.Edge {
		if edgeAddr := core.edgeConnAddr(); edgeAddr != nil {
			fanout = core.forwardMessage(edgeAddr, dlv, false, false)
		}
	}

	// (e) Fallback redirect.
	if fanout == 0 && addr != nil && addr.Fallback != nil && !link.Fallback {
		rewriteToFallback(dlv, addr.Fallback.Key)
		fanout = core.forwardMessage(addr.Fallback, dlv, false, link.Type == LinkControl)
		core.counters.DeliveriesRedirected++
		if core.metrics != nil {
			core.metrics.DeliveriesRedirected.Inc()
		}
	}

	// (f) Final disposition of the original delivery.
	switch {
	case fanout == 0:
		if !dlv.Settled {
			core.deliveryReleaseCT(dlv, link)
		}
		link.issueCreditCT(1, link.DrainMode)
		dlv.DecRef()
	case dlv.Settled || dlv.Multicast:
		link.issueCreditCT(1, link.DrainMode)
		if more {
			link.Settled.PushBack(dlv)
		} else {
			dlv.DecRef()
		}
	default: // fanout > 0, unsettled
		link.Unsettled.PushBack(dlv)
		if link.Type == LinkRouter || link.Edge {
			link.issueCreditCT(1, link.DrainMode)
		} else {
			link.CreditPending++
		}
	}
}

func linkMetricLabel(l *Link) string {
	if l == nil {
		return "unknown"
	}
	return uintToString(l.ID)
}

// drainInboundUndelivered reconsiders every delivery parked on link's
// undelivered list (spec §4.6). The list is moved to a local slice
// first so deliveries that get re-parked by linkForwardCT don't cause
// this loop to spin forever.
func (core *Core) drainInboundUndelivered(link *Link) {
	var pending []*Delivery
	for {
		d := link.Undelivered.PopFront()
		if d == nil {
			break
		}
		pending = append(pending, d)
	}
	for _, d := range pending {
		core.linkForwardCT(link, d, link.OwningAddr, !d.Msg.ReceiveComplete())
	}
}

// addrStartInlinks is spec §4.7: once addr gains its first path (or
// fallback becomes viable), grant stored credit_pending to every inlink
// and drain whatever was parked, then recurse into fallback_for so
// addresses that use addr as their own fallback benefit too.
func (core *Core) addrStartInlinks(addr *Address) {
	if addr.PathCount() != 1 && addr.fallbackPathCount() != 1 {
		return
	}
	for _, l := range addr.InLinks {
		if l.CreditPending > 0 {
			l.issueCreditCT(l.CreditPending, l.DrainMode)
		}
		core.drainInboundUndelivered(l)
	}
	for _, fb := range addr.FallbackFor {
		core.addrStartInlinks(fb)
	}
}
