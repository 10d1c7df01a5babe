package session

import "time"

// browserGracePeriod is the window after a browser-sourced resize during
// which a terminal-sourced resize is discarded. Only browser resizes are
// authoritative; a terminal resize is never discarded because of a prior
// terminal resize, regardless of recency (spec §9 open question).
const browserGracePeriod = time.Second

// rapidResizeThreshold flags resize loops for a warning log, without
// altering arbitration.
const rapidResizeThreshold = 100 * time.Millisecond

// shouldApplyResize applies spec §4.6's last-resize-wins policy: a
// terminal-sourced resize arriving within browserGracePeriod of a prior
// browser-sourced resize is discarded; every browser-sourced resize is
// applied unconditionally.
func shouldApplyResize(prev LastResize, source ResizeSource, now time.Time) bool {
	if source == ResizeFromBrowser {
		return true
	}
	if prev.Source == ResizeFromBrowser && now.Sub(prev.At) < browserGracePeriod {
		return false
	}
	return true
}

// isRapidResize reports whether two resizes less than rapidResizeThreshold
// apart should be logged as a possible resize loop.
func isRapidResize(prev LastResize, now time.Time) bool {
	if prev.At.IsZero() {
		return false
	}
	return now.Sub(prev.At) < rapidResizeThreshold
}
