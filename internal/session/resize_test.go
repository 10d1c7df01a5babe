package session

import (
	"testing"
	"time"
)

func TestShouldApplyResizeBrowserAlwaysWins(t *testing.T) {
	now := time.Now()
	prev := LastResize{Source: ResizeFromBrowser, At: now}
	if !shouldApplyResize(prev, ResizeFromBrowser, now.Add(10*time.Millisecond)) {
		t.Error("a browser resize must always apply, even immediately after another browser resize")
	}
}

func TestShouldApplyResizeTerminalDiscardedWithinGracePeriod(t *testing.T) {
	now := time.Now()
	prev := LastResize{Source: ResizeFromBrowser, At: now}
	if shouldApplyResize(prev, ResizeFromTerminal, now.Add(500*time.Millisecond)) {
		t.Error("terminal resize inside the browser grace period should be discarded")
	}
}

func TestShouldApplyResizeTerminalAppliedAfterGracePeriod(t *testing.T) {
	now := time.Now()
	prev := LastResize{Source: ResizeFromBrowser, At: now}
	if !shouldApplyResize(prev, ResizeFromTerminal, now.Add(2*time.Second)) {
		t.Error("terminal resize after the browser grace period should apply")
	}
}

func TestShouldApplyResizeTerminalNeverDiscardedByPriorTerminal(t *testing.T) {
	now := time.Now()
	prev := LastResize{Source: ResizeFromTerminal, At: now}
	if !shouldApplyResize(prev, ResizeFromTerminal, now.Add(time.Millisecond)) {
		t.Error("a terminal resize must never be discarded because of a prior terminal resize")
	}
}

func TestIsRapidResizeZeroPrev(t *testing.T) {
	if isRapidResize(LastResize{}, time.Now()) {
		t.Error("a zero-value previous resize should never be flagged as rapid")
	}
}

func TestIsRapidResizeWithinThreshold(t *testing.T) {
	now := time.Now()
	prev := LastResize{At: now}
	if !isRapidResize(prev, now.Add(10*time.Millisecond)) {
		t.Error("expected a resize 10ms later to be flagged as rapid")
	}
}
