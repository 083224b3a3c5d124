package transfercore

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCond is an AMQP error condition string, adapted from the teacher's
// errors.go ErrCond pattern and trimmed to what the transfer core itself
// ever produces (spec §6/§7) — this package never tears down a session or
// connection, so the client's session/link condition families don't apply.
type ErrCond string

const (
	// ErrCondNotFound backs the "Unavailable" failure taxonomy entry
	// (spec §7): disposition REJECTED, text "Deliveries cannot be sent
	// to an unavailable address".
	ErrCondNotFound ErrCond = "amqp:not-found"
)

// ErrNotFoundText is the fixed error text spec §6 mandates for the
// not-found condition.
const ErrNotFoundText = "Deliveries cannot be sent to an unavailable address"

// newUnavailableError builds the REJECTED disposition error for spec
// §4.3(c).
func newUnavailableError() *DispositionError {
	return &DispositionError{Cond: ErrCondNotFound, Text: ErrNotFoundText}
}

// wrapf attaches a stack trace at the point an internal error is first
// observed (forwarder, resolver, or egress loop), the way a codebase with
// pkg/errors in its stack does instead of returning a bare fmt.Errorf.
func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, fmt.Sprintf(format, args...))
}

// errInvalidLinkHandle is the error Core.resolveLinkLogged wraps and logs
// when a weak link reference fails to resolve (the link was deregistered
// or its generation no longer matches) — spec §9's validated-handle model
// turning a would-be use-after-free into an ordinary error.
var errInvalidLinkHandle = errors.New("transfercore: stale link handle")
