package transfercore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCoreEndpoint struct {
	delivered []*Delivery
	flows     [][2]interface{}
}

func (f *fakeCoreEndpoint) Deliver(d *Delivery, more bool) { f.delivered = append(f.delivered, d) }
func (f *fakeCoreEndpoint) Flow(credit uint32, drain bool) {
	f.flows = append(f.flows, [2]interface{}{credit, drain})
}

func TestLinkDeliverCTCoreEndpointBypassesForwarding(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	l := NewLink(0, Incoming, LinkEndpoint, conn)
	core.RegisterLink(l)

	ep := &fakeCoreEndpoint{}
	l.CoreEndpoint = ep

	dlv := newDelivery(NewMessage(nil, true), "1", l.handle())
	core.linkDeliverCT(l, dlv, false)

	require.Len(t, ep.delivered, 1)
	require.Same(t, dlv, ep.delivered[0])
}

func TestLinkDeliverCTConnectedLinkForwardsToPeer(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	in := NewLink(0, Incoming, LinkEndpoint, conn)
	core.RegisterLink(in)
	out := NewLink(0, Outgoing, LinkEndpoint, conn)
	core.RegisterLink(out)
	in.ConnectedLink = out.handle()

	dlv := newDelivery(NewMessage(nil, true), "1", in.handle())
	core.linkDeliverCT(in, dlv, false)

	require.Equal(t, 1, out.Undelivered.Len())
	require.EqualValues(t, 1, dlv.RefCount(), "non-streaming connected-link delivery must drop its action-owned ref")
}

func TestLinkDeliverCTRouterControlOnlyRejectsNonControlSilently(t *testing.T) {
	// spec §4.2 step 5 / §7 "Restricted": only a CONTROL-typed link may
	// deliver to a router-control-only address; anything else (including
	// a plain ROUTER-typed link) is released silently — credit refunded,
	// no disposition pushed to the peer.
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	l := NewLink(0, Incoming, LinkRouter, conn)
	core.RegisterLink(l)

	addr := NewAddress("ctrl", TreatmentAnycastClosest)
	addr.RouterControlOnly = true
	l.OwningAddr = addr

	dlv := newDelivery(NewMessage(nil, true), "1", l.handle())
	core.linkDeliverCT(l, dlv, false)

	require.Equal(t, DispositionReleased, dlv.Disposition)
	for _, w := range l.DrainWork() {
		require.NotEqual(t, WorkDisposition, w.Kind, "restricted release must not notify the peer")
	}
}

func TestLinkDeliverCTRouterControlOnlyAllowsControlLink(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	l := NewLink(0, Incoming, LinkControl, conn)
	core.RegisterLink(l)
	target := newOutgoingLink(t, core, conn)

	addr := NewAddress("ctrl", TreatmentMulticast)
	addr.RouterControlOnly = true
	addr.RLinks = []*Link{target}
	l.OwningAddr = addr

	dlv := newDelivery(NewMessage(nil, true), "1", l.handle())
	core.linkDeliverCT(l, dlv, false)

	require.NotEqual(t, DispositionRejected, dlv.Disposition)
	require.NotEqual(t, DispositionReleased, dlv.Disposition)
	require.Equal(t, 1, target.Undelivered.Len())
}

func TestResolveIngressAddressPrefersOwningAddr(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	l := NewLink(0, Incoming, LinkEndpoint, conn)
	owning := NewAddress("owned", TreatmentAnycastClosest)
	l.OwningAddr = owning

	core.Addresses.Insert(NewAddress("other", TreatmentAnycastClosest))
	dlv := newDelivery(NewMessage(nil, true), "1", linkHandle{})
	dlv.ToAddr = "other"

	got := core.resolveIngressAddress(l, dlv)
	require.Same(t, owning, got)
}

func TestResolveIngressAddressHashesToAddrWithTenantPrefix(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	conn.TenantSpace = "tenant1/"
	l := NewLink(0, Incoming, LinkEndpoint, conn)

	target := NewAddress("tenant1/svc", TreatmentAnycastClosest)
	core.Addresses.Insert(target)

	dlv := newDelivery(NewMessage(nil, true), "1", linkHandle{})
	dlv.ToAddr = "svc"

	got := core.resolveIngressAddress(l, dlv)
	require.Same(t, target, got)
}

func TestResolveIngressAddressMissReturnsNil(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	l := NewLink(0, Incoming, LinkEndpoint, conn)

	dlv := newDelivery(NewMessage(nil, true), "1", linkHandle{})
	dlv.ToAddr = "nowhere"

	require.Nil(t, core.resolveIngressAddress(l, dlv))
}

func TestEphemeralLinkRefSpliceAndRemove(t *testing.T) {
	addr := NewAddress("addr", TreatmentMulticast)
	conn, _ := newTestConnection()
	l := NewLink(1, Incoming, LinkEndpoint, conn)

	ref := spliceEphemeralLink(addr, l)
	require.Len(t, addr.RLinks, 1)

	spliceOutEphemeral(ref)
	require.Empty(t, addr.RLinks)
}

func TestLinkDeliverCTMulticastLoopbackUsesEphemeralSplice(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	l := NewLink(0, Incoming, LinkEndpoint, conn)
	core.RegisterLink(l)

	addr := NewAddress("loop", TreatmentMulticast) // no other path
	l.OwningAddr = addr

	dlv := newDelivery(NewMessage(nil, true), "1", l.handle())
	core.linkDeliverCT(l, dlv, false)

	// the splice must not outlive the call
	require.Empty(t, addr.RLinks)
}

func TestRunLinkDeliverActionDiscardReleasesRef(t *testing.T) {
	core := newTestCore(nil, nil)
	dlv := newDelivery(NewMessage(nil, true), "1", linkHandle{})
	a := NewLinkDeliverAction(linkHandle{id: 1, gen: 1}, dlv, false)
	a.Discard = true

	runLinkDeliverAction(core, &a)
	require.EqualValues(t, 1, dlv.RefCount())
}

func TestRunLinkDeliverActionStaleHandleReleasesRef(t *testing.T) {
	core := newTestCore(nil, nil)
	dlv := newDelivery(NewMessage(nil, true), "1", linkHandle{})
	a := NewLinkDeliverAction(linkHandle{id: 999, gen: 1}, dlv, false)

	runLinkDeliverAction(core, &a)
	require.EqualValues(t, 1, dlv.RefCount())
}
