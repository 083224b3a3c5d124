package transfercore

// updateDispositionCT applies a disposition update produced by the
// transport during transmission (spec §4.4 step 8's "update_disposition
// on the core path"). In the source this recrosses onto the core
// thread; here it is a small, self-contained mutation of scalar fields
// already guarded by the conventions in spec §5 (disposition/settled are
// only ever touched here, right after the egress loop releases
// work_lock, before the delivery is handed back), so it is called
// directly rather than round-tripped through another action.
func (core *Core) updateDispositionCT(d *Delivery, newDisp uint64, settled bool, err *DispositionError) {
	d.Disposition = newDisp
	if settled {
		d.Settled = true
	}
	d.Err = err
}

// ProcessDeliveries is C6's process_deliveries: the egress transmit loop
// invoked by an outgoing link's owning connection I/O thread with a
// credit budget (spec §4.4). It returns the number of deliveries fully
// transmitted during this call.
func (core *Core) ProcessDeliveries(link *Link, credit int) int {
	if link.Direction != Outgoing {
		return 0
	}
	if link.DetachReceived {
		return 0
	}

	completed := 0
	sawAny := false

	for credit > 0 {
		link.Connection.lock()
		head := link.Undelivered.PeekFront()
		if head == nil {
			link.Connection.unlock()
			break
		}
		sawAny = true
		// Incref locally: we are about to release work_lock across a
		// call that may block on socket I/O (spec §4.4 step 2).
		head.IncRef()
		settled := head.Settled
		link.Connection.unlock()

		// Settlement race loop (spec §4.4 step 3, the DISPATCH-1302
		// window): re-invoke deliver_handler whenever settled changed
		// while work_lock was released.
		var newDisp uint64
		for {
			newDisp = core.deliverHandler(link, head, settled)
			link.Connection.lock()
			if head.Settled != settled {
				settled = head.Settled
				link.Connection.unlock()
				continue
			}
			break // still holding the lock
		}

		if !head.Msg.ReceiveComplete() {
			// Still streaming: stays at the head of undelivered for a
			// later call to finish (spec §4.4 step 4, property 5).
			link.Connection.unlock()
			head.DecRef()
			return completed
		}

		credit--
		link.CreditToCore.Dec()
		link.TotalDeliveries++

		if link.Undelivered.Len() == 0 {
			// The only way this list could already be empty here is a
			// concurrent detach that ran while work_lock was released
			// above; head is stale. Bail out without touching it further.
			link.Connection.unlock()
			head.DecRef()
			return completed
		}

		link.Undelivered.PopFront()

		if settled {
			head.DecRef()
		} else {
			link.Unsettled.PushBack(head)
		}
		link.Connection.unlock()

		if newDisp != 0 {
			core.updateDispositionCT(head, newDisp, true, nil)
		}
		head.DecRef()
		completed++
		if core.metrics != nil {
			core.metrics.LinkDeliveries.WithLabelValues(linkMetricLabel(link)).Inc()
		}
	}

	if sawAny && core.offerHandler != nil {
		core.offerHandler(link, link.Undelivered.Len())
	}
	return completed
}
