package agent

import (
	"fmt"
	"regexp"
)

// StuckReason classifies why the detector flagged a run.
type StuckReason string

const (
	ReasonRepeatedAction StuckReason = "repeated action"
	ReasonErrorLoop      StuckReason = "error loop"
	ReasonScrollLoop     StuckReason = "scroll loop"
)

// Detector defaults.
const (
	DefaultWindowSize      = 5
	DefaultRepeatThreshold = 3
	DefaultScrollThreshold = 4
)

// LoopEntry is what the detector remembers about one executed action.
type LoopEntry struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target"`
	Error  bool       `json:"error"`
}

// LoopDetector flags repetition, error bursts and unproductive scrolling over
// a trailing window of executed actions. It is owned by a single Driver and is
// not safe for concurrent use.
type LoopDetector struct {
	windowSize      int
	repeatThreshold int
	scrollThreshold int
	entries         []LoopEntry
}

// NewLoopDetector builds a detector. Non-positive arguments fall back to the defaults.
func NewLoopDetector(windowSize, repeatThreshold, scrollThreshold int) *LoopDetector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if repeatThreshold <= 0 {
		repeatThreshold = DefaultRepeatThreshold
	}
	if scrollThreshold <= 0 {
		scrollThreshold = DefaultScrollThreshold
	}
	return &LoopDetector{
		windowSize:      windowSize,
		repeatThreshold: repeatThreshold,
		scrollThreshold: scrollThreshold,
		entries:         make([]LoopEntry, 0, 2*windowSize),
	}
}

// Add records an executed action. History is capped at twice the window.
func (d *LoopDetector) Add(e LoopEntry) {
	d.entries = append(d.entries, e)
	if limit := 2 * d.windowSize; len(d.entries) > limit {
		// Copy down instead of reslicing so the backing array stays bounded.
		n := copy(d.entries, d.entries[len(d.entries)-limit:])
		d.entries = d.entries[:n]
	}
}

// Check evaluates the rules in order; the first match wins. It is O(window)
// and never mutates state.
func (d *LoopDetector) Check() StuckSignal {
	if len(d.entries) < d.repeatThreshold {
		return StuckSignal{}
	}
	recent := d.recent()

	last := recent[len(recent)-1]
	repeats := 0
	for _, e := range recent {
		if e.Kind == last.Kind && e.Target == last.Target {
			repeats++
		}
	}
	if repeats >= d.repeatThreshold {
		return StuckSignal{
			Stuck:  true,
			Reason: ReasonRepeatedAction,
			Detail: fmt.Sprintf("repeated %s on %q %d times", last.Kind, truncate(last.Target, 80), repeats),
		}
	}

	errs, scrolls := 0, 0
	for _, e := range recent {
		if e.Error {
			errs++
		}
		if e.Kind == KindScroll {
			scrolls++
		}
	}
	if errs >= d.repeatThreshold {
		return StuckSignal{
			Stuck:  true,
			Reason: ReasonErrorLoop,
			Detail: fmt.Sprintf("hit %d errors in last %d steps", errs, len(recent)),
		}
	}
	if scrolls >= d.scrollThreshold {
		return StuckSignal{
			Stuck:  true,
			Reason: ReasonScrollLoop,
			Detail: fmt.Sprintf("scrolled %d times without progress", scrolls),
		}
	}
	return StuckSignal{}
}

// Reset clears all history.
func (d *LoopDetector) Reset() {
	d.entries = d.entries[:0]
}

// Len is the number of retained entries.
func (d *LoopDetector) Len() int { return len(d.entries) }

// Recent returns a copy of the trailing window, oldest first.
func (d *LoopDetector) Recent() []LoopEntry {
	r := d.recent()
	out := make([]LoopEntry, len(r))
	copy(out, r)
	return out
}

func (d *LoopDetector) recent() []LoopEntry {
	if len(d.entries) <= d.windowSize {
		return d.entries
	}
	return d.entries[len(d.entries)-d.windowSize:]
}

// scrollScript matches a script that does nothing but scroll the window,
// such as "window.scrollBy(0, 500);".
var scrollScript = regexp.MustCompile(`^\s*(?:window\.)?scroll(?:By|To)?\s*\([^()]*\)\s*;?\s*$`)

// EntryFor maps an executed action to a detector entry. Evaluate calls that
// only scroll the window are recorded as KindScroll.
func EntryFor(ex ExecutedAction) LoopEntry {
	if ex.Action == nil {
		return LoopEntry{Kind: ActionKind(ex.Tool), Error: true}
	}
	kind := ex.Action.Kind()
	if ev, ok := ex.Action.(Evaluate); ok && scrollScript.MatchString(ev.Script) {
		kind = KindScroll
	}
	return LoopEntry{Kind: kind, Target: ex.Action.Target(), Error: ex.Failed()}
}
