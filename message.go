package transfercore

// Message is the opaque message handle this package moves between links.
// The wire codec, the body buffer chain, and multi-frame reassembly all
// live outside this package (see spec §1/§6); a Message here is only ever
// touched through the operations below.
type Message struct {
	// Format is the AMQP message-format annotation, carried through
	// forwarding unchanged.
	Format uint32

	// body holds whatever bytes have been received so far. A message that
	// is still streaming (receiveComplete == false) may have more bytes
	// appended to it by the link layer between calls into this package.
	body []byte

	// receiveComplete is false while more frames are still expected for
	// this message (spec's "more" flag on LinkDeliver actions).
	receiveComplete bool

	// toOverride is the `to` address annotation, rewritten by fallback
	// redirection (spec §4.3(e)).
	toOverride string

	// phase is the phase annotation, set alongside toOverride for
	// fallback redirection.
	phase int32
	hasPhase bool

	annotations map[string]interface{}
}

// NewMessage creates a message handle. body may be nil/empty for a message
// still being streamed in; complete indicates whether the receive is done.
func NewMessage(body []byte, complete bool) *Message {
	return &Message{body: body, receiveComplete: complete}
}

// ReceiveComplete reports whether the full message body has arrived.
// While false, the delivery carrying this message must stay at the head
// of its outgoing link's undelivered list (spec §4.4 step 4).
func (m *Message) ReceiveComplete() bool {
	if m == nil {
		return true
	}
	return m.receiveComplete
}

// SetReceiveComplete marks the message as fully received. Called by the
// link layer (outside this package's scope) as frames arrive; exposed
// here so tests can drive the streaming head-of-line scenario.
func (m *Message) SetReceiveComplete(complete bool) {
	m.receiveComplete = complete
}

// Copy returns a deep-enough copy for handing a peer link its own
// delivery (spec §4.2 step 3, attach-routed fanout copies). Annotation
// maps are copied so fallback rewriting on one peer's copy never leaks
// into another's.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	cp := &Message{
		Format:           m.Format,
		receiveComplete:  m.receiveComplete,
		toOverride:       m.toOverride,
		phase:            m.phase,
		hasPhase:         m.hasPhase,
	}
	if m.body != nil {
		cp.body = append([]byte(nil), m.body...)
	}
	if m.annotations != nil {
		cp.annotations = make(map[string]interface{}, len(m.annotations))
		for k, v := range m.annotations {
			cp.annotations[k] = v
		}
	}
	return cp
}

// Free releases any resources held by the message. A no-op placeholder
// for the buffer-chain release this package never owns directly.
func (m *Message) Free() {
	if m == nil {
		return
	}
	m.body = nil
	m.annotations = nil
}

// SetToOverrideAnnotation rewrites the message's `to` field, used by
// fallback redirection (spec §4.3(e)) to retarget a message at the
// fallback address without mutating the original `to` the sender set.
func (m *Message) SetToOverrideAnnotation(to string) {
	if m == nil {
		return
	}
	m.toOverride = to
}

// ToOverride returns the rewritten `to`, if any.
func (m *Message) ToOverride() string {
	if m == nil {
		return ""
	}
	return m.toOverride
}

// SetPhaseAnnotation sets the phase annotation, derived from the
// fallback address key's second byte (spec §4.3(e)).
func (m *Message) SetPhaseAnnotation(phase int) {
	if m == nil {
		return
	}
	m.phase = int32(phase)
	m.hasPhase = true
}

// Phase returns the phase annotation and whether one was ever set.
func (m *Message) Phase() (int, bool) {
	if m == nil {
		return 0, false
	}
	return int(m.phase), m.hasPhase
}
