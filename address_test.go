package transfercore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSubscription struct{ accept bool }

func (f *fakeSubscription) Deliver(d *Delivery) bool { return f.accept }

func TestAddressPathCount(t *testing.T) {
	a := NewAddress("addr1", TreatmentMulticast)
	require.Zero(t, a.PathCount())

	a.Subscriptions = append(a.Subscriptions, &fakeSubscription{})
	require.Equal(t, 1, a.PathCount())

	a.RLinks = append(a.RLinks, &Link{})
	require.Equal(t, 2, a.PathCount())

	a.RNodes = 0b101 // two bits set
	require.Equal(t, 4, a.PathCount())

	a.Exchange = &Exchange{Bindings: []ExchangeBinding{{}, {}}}
	require.Equal(t, 6, a.PathCount())

	a.Exchange.Alternate = NewAddress("alt", TreatmentAnycastClosest)
	require.Equal(t, 7, a.PathCount())
}

func TestAddressPathCountNilSafe(t *testing.T) {
	var a *Address
	require.Zero(t, a.PathCount())
	require.Zero(t, a.fallbackPathCount())
}

func TestAddressFallbackPathCount(t *testing.T) {
	a := NewAddress("primary", TreatmentAnycastClosest)
	require.Zero(t, a.fallbackPathCount())

	fb := NewAddress("fallback", TreatmentAnycastClosest)
	fb.RLinks = append(fb.RLinks, &Link{})
	a.Fallback = fb
	require.Equal(t, 1, a.fallbackPathCount())
}

func TestBindOwningAddressRegistersInLinkAndDrainsStoredCredit(t *testing.T) {
	core := newTestCore(nil, nil)
	conn, _ := newTestConnection()
	in := NewLink(0, Incoming, LinkEndpoint, conn)
	core.RegisterLink(in)
	in.CreditPending = 3

	addr := NewAddress("q", TreatmentAnycastClosest)
	core.BindOwningAddress(in, addr)
	require.Same(t, addr, in.OwningAddr)
	require.Contains(t, addr.InLinks, in)

	// No path yet: addrStartInlinks is a no-op, credit_pending untouched.
	require.EqualValues(t, 3, in.CreditPending)

	out := NewLink(0, Outgoing, LinkEndpoint, conn)
	core.RegisterLink(out)
	addr.RLinks = append(addr.RLinks, out)

	core.addrStartInlinks(addr)
	require.Zero(t, in.CreditPending, "gaining a first path must grant stored credit_pending to inlinks")
}

func TestAddressTable(t *testing.T) {
	tbl := NewAddressTable()
	require.Nil(t, tbl.Lookup("missing"))

	a := NewAddress("k", TreatmentAnycastClosest)
	tbl.Insert(a)
	require.Same(t, a, tbl.Lookup("k"))

	tbl.Delete("k")
	require.Nil(t, tbl.Lookup("k"))
}
