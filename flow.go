package transfercore

import "context"

// linkFlowCT is the core-thread half of C3's credit/flow machine (spec
// §4.5). credit arrives already converted from absolute to incremental
// by Link.convertAbsoluteToIncremental on the caller side.
func (core *Core) linkFlowCT(link *Link, credit uint32, drain bool) {
	drainWasSet := !link.DrainMode && drain
	link.DrainMode = drain

	activate := false
	if link.StalledOutbound && link.Undelivered.Len() > 0 {
		link.StalledOutbound = false
		link.Connection.addLinkWork(link, 0)
		activate = true
	}

	switch {
	case link.CoreEndpoint != nil:
		link.CoreEndpoint.Flow(credit, drain)

	case link.ConnectedLink.valid():
		if peer, ok := core.resolveLinkLogged(context.Background(), link.ConnectedLink, "linkFlowCT: connected-link peer"); ok {
			if peer.Direction == Incoming {
				peer.issueCreditCT(credit, drain)
			} else {
				da := DrainNone
				if drain {
					da = DrainDrained
				}
				peer.pushWork(LinkWork{Kind: WorkFlow, Credit: credit, Drain: drain, DrainAction: da})
			}
		}

	default: // plain link
		if link.AttachCount == 1 {
			// Half-open: the peer hasn't completed attach yet, so the
			// credit is banked rather than acted on.
			link.CreditStored += credit
		}
		if link.Direction == Outgoing && (credit > 0 || drainWasSet) {
			da := DrainNone
			if drainWasSet {
				if drain {
					da = DrainSet
				} else {
					da = DrainClear
				}
			}
			link.pushWork(LinkWork{Kind: WorkFlow, Credit: credit, Drain: drain, DrainAction: da})
			if link.Undelivered.Len() > 0 || drainWasSet {
				link.Connection.addLinkWork(link, 0)
				activate = true
			}
		}
		if link.Direction == Incoming && drain {
			link.CreditPending = link.Capacity
		}
	}

	if activate {
		core.activateConnection(link.Connection)
	}
}

func runLinkFlowAction(core *Core, a *Action) {
	if a.Discard {
		return
	}
	link, ok := core.resolveLinkLogged(context.Background(), a.Link, "runLinkFlowAction")
	if !ok {
		return
	}
	core.linkFlowCT(link, a.Credit, a.Drain)
}

// Flow is the caller-side entry point transport code uses to report an
// absolute credit/drain update (spec §4.5's "the caller-side link_flow").
// It converts to incremental credit, stamps credit_to_core, and
// dispatches the action to the core thread.
func (l *Link) Flow(core *Core, absoluteCredit uint32, drain bool) {
	incremental := l.convertAbsoluteToIncremental(absoluteCredit, drain)
	core.Dispatch(NewLinkFlowAction(l.handle(), incremental, drain))
}
