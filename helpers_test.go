package transfercore

// newTestConnection builds a Connection whose activation callback just
// records that it fired, for tests that only care whether activation was
// requested.
func newTestConnection() (*Connection, *int) {
	activations := 0
	conn := NewConnection(func(*Connection) { activations++ })
	return conn, &activations
}

// newTestCore builds a Core with stub deliver/offer handlers suitable for
// driving the ingress/egress paths in isolation. deliver defaults to
// always-accept (disposition accepted, 0x24) when nil.
func newTestCore(deliver func(link *Link, d *Delivery, settled bool) uint64, offer func(link *Link, remaining int), opts ...CoreOption) *Core {
	if deliver == nil {
		deliver = func(*Link, *Delivery, bool) uint64 { return DispositionAccepted }
	}
	return NewCore(deliver, offer, opts...)
}
