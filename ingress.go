package transfercore

import (
	"context"
	"log/slog"

	"github.com/apache/qdr-transfercore/internal/debug"
)

// ephemeralLinkRef is the transient rlinks membership spliced onto a
// multicast address for the duration of a single forward when the
// sending link itself is the only subscriber path (spec §4.2 step 7):
// added just before forwarding, removed immediately after, so the
// address's path_count briefly reflects the sender without leaving any
// lasting membership behind.
type ephemeralLinkRef struct {
	addr *Address
	link *Link
}

// spliceEphemeralLink appends link to addr.RLinks for the duration of
// one forward call, returning the handle spliceOutEphemeral needs to
// undo it. Only meaningful for multicast addresses with no other path;
// callers only invoke it under that condition.
func spliceEphemeralLink(addr *Address, link *Link) ephemeralLinkRef {
	addr.RLinks = append(addr.RLinks, link)
	return ephemeralLinkRef{addr: addr, link: link}
}

// spliceOutEphemeral removes the splice added by spliceEphemeralLink.
func spliceOutEphemeral(ref ephemeralLinkRef) {
	rlinks := ref.addr.RLinks
	for i, l := range rlinks {
		if l == ref.link {
			ref.addr.RLinks = append(rlinks[:i], rlinks[i+1:]...)
			return
		}
	}
}

// resolveIngressAddress is step 4 of spec §4.2: prefer the link's own
// owning_addr (set once at attach for addressed links), otherwise hash
// on the message's to_addr, qualified by the connection's tenant-space
// prefix for multi-tenant deployments.
func (core *Core) resolveIngressAddress(link *Link, dlv *Delivery) *Address {
	if link.OwningAddr != nil {
		return link.OwningAddr
	}
	to := dlv.Msg.ToOverride()
	if to == "" {
		to = dlv.ToAddr
	} else {
		dlv.ToAddr = to
	}
	if to == "" {
		return nil
	}

	key := to
	if link.Connection != nil && link.Connection.TenantSpace != "" {
		key = link.Connection.TenantSpace + to
	}
	return core.Addresses.Lookup(key)
}

// linkDeliverCT is C5's link_deliver_CT: the core-thread handler for a
// delivery an I/O thread has already decoded off the wire (spec §4.2).
func (core *Core) linkDeliverCT(link *Link, dlv *Delivery, more bool) {
	dlv.ViaEdge = link.Connection != nil && link.Connection.Edge
	dlv.IngressIndex = 0

	// Step 2: endpoint-bound links hand the delivery straight to their
	// collaborator without going through address resolution at all. This
	// is checked before ConnectedLink on purpose: a link with both set is
	// handled as endpoint-bound.
	if link.CoreEndpoint != nil {
		link.CoreEndpoint.Deliver(dlv, more)
		return
	}

	// Step 3: attach-routed links copy the delivery onto their connected
	// peer and are otherwise done — this bypasses the forwarder and
	// address table entirely, matching a point-to-point pipe rather than
	// an address subscriber.
	if link.ConnectedLink.valid() {
		if peer, ok := core.resolveLinkLogged(context.Background(), link.ConnectedLink, "linkDeliverCT: connected-link peer"); ok {
			core.forwardToLink(peer, dlv)
			core.counters.DeliveriesIngressRouteContainer++
			if core.metrics != nil {
				core.metrics.DeliveriesIngressRouteContainer.Inc()
			}
		}
		if !more {
			if link.Undelivered.Len() != 0 {
				// Not supposed to happen outside a narrow detach race; log
				// and move on rather than assert, per the spec's own
				// "considered impossible in practice" framing.
				logRaceWindow(link, "connected-link undelivered not empty at completion")
			}
			dlv.DecRef()
		}
		return
	}

	addr := core.resolveIngressAddress(link, dlv)

	// Step 5: router-control-only addresses reject traffic from anything
	// but a CONTROL-typed link. Restricted per spec §7: release + credit
	// refund, silent — no disposition is pushed to the peer.
	if addr != nil && addr.RouterControlOnly && link.Type != LinkControl {
		core.deliveryReleaseCT(dlv, link)
		link.issueCreditCT(1, link.DrainMode)
		dlv.DecRef()
		return
	}

	// Step 7: an ephemeral rlinks splice lets a multicast address with no
	// other path still fan out to the very link that's sending on it
	// (loopback-to-self subscribers), without that membership outliving
	// this one forward.
	var splice ephemeralLinkRef
	spliced := false
	if addr != nil && addr.Treatment == TreatmentMulticast && addr.PathCount() == 0 &&
		link.Direction == Incoming && link.OwningAddr == addr {
		splice = spliceEphemeralLink(addr, link)
		spliced = true
	}

	core.linkForwardCT(link, dlv, addr, more)

	if spliced {
		spliceOutEphemeral(splice)
	}
}

func runLinkDeliverAction(core *Core, a *Action) {
	if a.Discard {
		if a.Delivery != nil {
			a.Delivery.DecRef()
		}
		return
	}
	link, ok := core.resolveLinkLogged(context.Background(), a.Link, "runLinkDeliverAction")
	if !ok {
		if a.Delivery != nil {
			a.Delivery.DecRef()
		}
		return
	}
	core.linkDeliverCT(link, a.Delivery, a.More)
}

// Deliver is the caller-side entry point transport code uses to hand a
// freshly decoded delivery to the core (spec §4.2's "input" step 1). It
// builds the delivery, dispatches the action, and returns the
// caller-owned reference (refCount==2 at construction: one for the
// action, one returned here).
func (l *Link) Deliver(core *Core, msg *Message, more bool) *Delivery {
	dlv := newDelivery(msg, linkOrigin(l), l.handle())
	dlv.ensureTag()
	core.Dispatch(NewLinkDeliverAction(l.handle(), dlv, more))
	return dlv
}

func linkOrigin(l *Link) string {
	return uintToString(l.ID)
}

func logRaceWindow(link *Link, msg string) {
	debug.Log(context.Background(), slog.LevelWarn, "CT-DELIVER: "+msg, "link", link.ID)
}
