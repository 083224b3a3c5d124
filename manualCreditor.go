package transfercore

import (
	"sync"

	"github.com/pkg/errors"
)

// ManualCreditor lets an application-bound incoming link take over credit
// issuance from the automatic "regrant one credit after each delivery"
// policy issueCreditCT applies by default (spec §4.5). It is the
// bookkeeping half of the manual-credit mode the teacher's Receiver
// exposed, reworked onto this package's Link/Core rather than a
// transport-level receiver.
//
// Grant/EndDrain are meant to be called from core-thread-synchronous
// code — typically a CoreEndpoint.Flow implementation bound to the link —
// since they call straight into issueCreditCT rather than round-tripping
// through an Action.
type ManualCreditor struct {
	mu sync.Mutex

	pendingDrain bool
	creditsToAdd uint32

	drained chan struct{}
}

var (
	// ErrLinkDraining is returned by IssueCredit while a drain is in
	// progress: no new credit can be queued until it completes.
	ErrLinkDraining = errors.New("link is currently draining, no credits can be added")
	// ErrAlreadyDraining is returned by StartDrain when a drain is already
	// in progress on this creditor.
	ErrAlreadyDraining = errors.New("drain already in process")
)

// StartDrain begins a drain, returning a channel that closes once EndDrain
// is called.
func (mc *ManualCreditor) StartDrain() (<-chan struct{}, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.drained != nil {
		return nil, ErrAlreadyDraining
	}
	mc.drained = make(chan struct{})
	return mc.drained, nil
}

// EndDrain ends the current drain, unblocking anything waiting on the
// channel StartDrain returned.
func (mc *ManualCreditor) EndDrain() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.drained != nil {
		close(mc.drained)
		mc.drained = nil
	}
}

// FlowBits returns the drain/credit values queued since the last call and
// resets them, mirroring the teacher's FlowBits contract.
func (mc *ManualCreditor) FlowBits() (bool, uint32) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	drain := mc.drained != nil
	credits := mc.creditsToAdd

	mc.creditsToAdd = 0
	mc.pendingDrain = false
	return drain, credits
}

// IssueCredit queues credits to be granted the next time Grant runs.
func (mc *ManualCreditor) IssueCredit(credits uint32) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.drained != nil {
		return ErrLinkDraining
	}
	mc.creditsToAdd += credits
	mc.pendingDrain = false
	return nil
}

// Grant applies whatever credit/drain state is pending directly to link
// via issueCreditCT (spec §4.5's manual-credit variant of credit
// issuance).
func (mc *ManualCreditor) Grant(link *Link) {
	drain, credits := mc.FlowBits()
	if credits == 0 && !drain {
		return
	}
	link.issueCreditCT(credits, drain)
}
