package transfercore

import (
	"log/slog"

	"github.com/apache/qdr-transfercore/internal/debug"
)

// RegisterLogger configures the core's debug logger with the input slog.Handler h.
//
// By default, the debug logger uses a no-op handler and doesn't produce any log events.
func RegisterLogger(h slog.Handler) {
	debug.RegisterLogger(h)
}
