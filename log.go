package beacon

import "github.com/dogmatiq/dodeca/logging"

// logf logs a formatted message at the default level, falling back to
// dodeca's discarding default logger when l is nil. This mirrors the
// teacher's bare log.Printf("[zeroconf] ...") call sites, routed through
// a real structured logging sink instead of the standard library logger.
func logf(l logging.Logger, format string, v ...interface{}) {
	logging.Log(l, format, v...)
}

func debugf(l logging.Logger, format string, v ...interface{}) {
	logging.Debug(l, format, v...)
}
