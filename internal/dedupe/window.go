// Package dedupe suppresses duplicate events inside a sliding time window.
//
// The window is in-process and best-effort: it protects storage from pixel
// retries and double-fires, not from replays across instances or restarts.
package dedupe

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultWindow is how long a fingerprint blocks repeats.
const DefaultWindow = 60 * time.Second

// Window tracks recently seen event fingerprints. Entries expire after the
// configured window, counted from first sight; duplicate hits do not extend
// it. Expired entries are dropped on access and by a background sweep at
// the same interval.
type Window struct {
	entries *cache.Cache
}

// NewWindow returns a Window with the given expiry. ttl <= 0 falls back to
// DefaultWindow.
func NewWindow(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	return &Window{entries: cache.New(ttl, ttl)}
}

// ShouldStore reports whether the event is first-seen inside the window and
// registers it when it is. The check and the registration are one atomic
// step, so under concurrent submissions of the same event exactly one
// caller is told to store.
//
// Registration is deliberately not undone on a later storage failure: a
// caller that resubmits after an error inside the window is deduplicated,
// which keeps the at-most-once-per-window property.
func (w *Window) ShouldStore(eventName, eventID string) bool {
	return w.entries.Add(fingerprint(eventName, eventID), time.Now(), cache.DefaultExpiration) == nil
}

// Len reports the current entry count, including entries that expired since
// the last sweep. Used for gauge metrics only.
func (w *Window) Len() int {
	return w.entries.ItemCount()
}

func fingerprint(eventName, eventID string) string {
	return eventName + "|" + eventID
}
