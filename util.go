package transfercore

import "strconv"

// uintToString formats a link/connection id for use as a metric label.
func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
