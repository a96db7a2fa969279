// Package activity derives agent worker state from raw terminal output.
//
// The detector keeps a small rolling window of ANSI-stripped output and an
// event-rate window of recent chunk timestamps. "asking" patterns take
// priority over everything else because a waiting prompt blocks progress;
// otherwise the output rate decides active, and silence past the idle
// timeout decides idle. State is ephemeral and never persisted.
package activity

import (
	"regexp"
	"sync"
	"time"
)

// State is the derived activity classification for an agent worker.
type State string

const (
	StateUnknown State = "unknown"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateAsking  State = "asking"
)

// Options tunes the detector. The timeout and threshold values are
// deliberately configurable; agent TUIs vary widely in output cadence.
type Options struct {
	WindowBytes     int           // rolling window size for pattern matching
	IdleTimeout     time.Duration // silence past this duration => idle
	ActiveWindow    time.Duration // rate window for active classification
	ActiveThreshold int           // chunks within ActiveWindow => active
	AskingPatterns  []*regexp.Regexp
}

func (o *Options) applyDefaults() {
	if o.WindowBytes <= 0 {
		o.WindowBytes = 4096
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 4 * time.Second
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = 2 * time.Second
	}
	if o.ActiveThreshold <= 0 {
		o.ActiveThreshold = 3
	}
}

// CompilePatterns compiles the configured asking regexes, skipping any that
// fail to compile.
func CompilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// StateFunc observes state transitions. It is only invoked on change.
type StateFunc func(state State)

// Detector classifies one worker's output stream.
type Detector struct {
	opts    Options
	onState StateFunc
	now     func() time.Time

	mu       sync.Mutex
	window   []byte
	events   []time.Time
	state    State
	idleTm   *time.Timer
	disposed bool
}

// NewDetector creates a detector in the unknown state. The callback replaces
// any previous one and may be nil.
func NewDetector(opts Options, onState StateFunc) *Detector {
	opts.applyDefaults()
	return &Detector{
		opts:    opts,
		onState: onState,
		now:     time.Now,
		state:   StateUnknown,
	}
}

// State returns the current classification.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Feed ingests a raw output chunk and re-evaluates the state.
func (d *Detector) Feed(chunk []byte) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}

	d.appendWindow(stripANSI(chunk))
	now := d.now()
	d.events = append(d.events, now)
	d.pruneEvents(now)

	next := d.classify(now)
	changed := d.setStateLocked(next)
	d.resetIdleTimerLocked()
	cb := d.onState
	state := d.state
	d.mu.Unlock()

	if changed && cb != nil {
		cb(state)
	}
}

// Dispose clears the rolling window and detaches the idle timer. Persisted
// output is unaffected.
func (d *Detector) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = true
	d.window = nil
	d.events = nil
	if d.idleTm != nil {
		d.idleTm.Stop()
		d.idleTm = nil
	}
}

// classify derives the next state from the current window and event rate.
// Asking wins over everything; the rate threshold decides active; otherwise
// the current state holds until the idle timer fires.
func (d *Detector) classify(now time.Time) State {
	for _, re := range d.opts.AskingPatterns {
		if re.Match(d.window) {
			return StateAsking
		}
	}
	if len(d.events) >= d.opts.ActiveThreshold {
		return StateActive
	}
	if d.state == StateUnknown {
		return StateActive
	}
	return d.state
}

// setStateLocked updates the state and reports whether it changed.
func (d *Detector) setStateLocked(next State) bool {
	if next == d.state {
		return false
	}
	d.state = next
	return true
}

func (d *Detector) appendWindow(text []byte) {
	d.window = append(d.window, text...)
	if over := len(d.window) - d.opts.WindowBytes; over > 0 {
		d.window = d.window[over:]
	}
}

func (d *Detector) pruneEvents(now time.Time) {
	cutoff := now.Add(-d.opts.ActiveWindow)
	i := 0
	for i < len(d.events) && d.events[i].Before(cutoff) {
		i++
	}
	d.events = d.events[i:]
}

// resetIdleTimerLocked arms the silence timer. When it fires with no
// intervening output, the state drops to idle unless a prompt is pending.
func (d *Detector) resetIdleTimerLocked() {
	if d.idleTm != nil {
		d.idleTm.Stop()
	}
	d.idleTm = time.AfterFunc(d.opts.IdleTimeout, d.onIdleTimeout)
}

func (d *Detector) onIdleTimeout() {
	d.mu.Lock()
	if d.disposed || d.state == StateAsking {
		d.mu.Unlock()
		return
	}
	changed := d.setStateLocked(StateIdle)
	cb := d.onState
	state := d.state
	d.mu.Unlock()

	if changed && cb != nil {
		cb(state)
	}
}
