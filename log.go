package slotpool

import (
	"log/slog"

	"github.com/giantswarm/slotpool/internal/core"
)

// SetLogger replaces the package-level logger used by slotpool.
// This allows applications to integrate slotpool logging with their own
// logging infrastructure. The provided logger should already have any
// desired attributes; slotpool will not add additional attributes.
//
// If l is nil, the logger resets to the default: slog.Default() with
// "component" attribute, re-derived on the next Logger() call and then
// cached. Call SetLogger(nil) after slog.SetDefault() to pick up changes.
//
// SetLogger is safe to call concurrently with other slotpool operations.
//
// Example:
//
//	slotpool.SetLogger(myLogger.With("component", "slotpool"))
func SetLogger(l *slog.Logger) {
	core.SetLogger(l)
}
