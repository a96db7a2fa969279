package activity

import (
	"sync"
	"testing"
	"time"
)

func TestDetectorInitialState(t *testing.T) {
	d := NewDetector(Options{}, nil)
	defer d.Dispose()
	if got := d.State(); got != StateUnknown {
		t.Errorf("expected unknown before any output, got %s", got)
	}
}

func TestDetectorFirstChunkBecomesActive(t *testing.T) {
	d := NewDetector(Options{ActiveThreshold: 10}, nil)
	defer d.Dispose()

	d.Feed([]byte("compiling...\n"))
	if got := d.State(); got != StateActive {
		t.Errorf("expected active after first output, got %s", got)
	}
}

func TestDetectorActiveOnRate(t *testing.T) {
	d := NewDetector(Options{ActiveThreshold: 3, ActiveWindow: time.Second}, nil)
	defer d.Dispose()

	for i := 0; i < 3; i++ {
		d.Feed([]byte("chunk\n"))
	}
	if got := d.State(); got != StateActive {
		t.Errorf("expected active at threshold, got %s", got)
	}
}

func TestDetectorAskingWinsOverRate(t *testing.T) {
	opts := Options{
		ActiveThreshold: 1,
		AskingPatterns:  CompilePatterns([]string{`\[y/n\]`}),
	}
	d := NewDetector(opts, nil)
	defer d.Dispose()

	d.Feed([]byte("lots of output\n"))
	d.Feed([]byte("Overwrite existing file? [y/n] "))
	if got := d.State(); got != StateAsking {
		t.Errorf("expected asking to win over active, got %s", got)
	}
}

func TestDetectorPatternMatchesAcrossChunks(t *testing.T) {
	opts := Options{AskingPatterns: CompilePatterns([]string{`\[y/n\]`})}
	d := NewDetector(opts, nil)
	defer d.Dispose()

	// The prompt arrives split over two PTY reads.
	d.Feed([]byte("Continue? [y/"))
	d.Feed([]byte("n] "))
	if got := d.State(); got != StateAsking {
		t.Errorf("expected asking from split prompt, got %s", got)
	}
}

func TestDetectorStripsANSIBeforeMatching(t *testing.T) {
	opts := Options{AskingPatterns: CompilePatterns([]string{`\[y/n\]\s*$`})}
	d := NewDetector(opts, nil)
	defer d.Dispose()

	d.Feed([]byte("\x1b[1;33mProceed? [y/n]\x1b[0m"))
	if got := d.State(); got != StateAsking {
		t.Errorf("expected asking despite ANSI codes, got %s", got)
	}
}

func TestDetectorIdleAfterSilence(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	opts := Options{IdleTimeout: 30 * time.Millisecond, ActiveThreshold: 1}
	d := NewDetector(opts, func(state State) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})
	defer d.Dispose()

	d.Feed([]byte("working\n"))

	deadline := time.Now().Add(time.Second)
	for d.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle after silence, still %s", d.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != StateActive || transitions[1] != StateIdle {
		t.Errorf("expected [active idle] transitions, got %v", transitions)
	}
}

func TestDetectorAskingSurvivesSilence(t *testing.T) {
	opts := Options{
		IdleTimeout:    20 * time.Millisecond,
		AskingPatterns: CompilePatterns([]string{`\?\s*$`}),
	}
	d := NewDetector(opts, nil)
	defer d.Dispose()

	d.Feed([]byte("Do you want to continue?"))
	time.Sleep(80 * time.Millisecond)

	// A pending prompt stays asking no matter how long the silence.
	if got := d.State(); got != StateAsking {
		t.Errorf("expected asking to survive idle timeout, got %s", got)
	}
}

func TestDetectorCallbackOnlyOnChange(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	d := NewDetector(Options{ActiveThreshold: 1, IdleTimeout: time.Minute}, func(State) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer d.Dispose()

	for i := 0; i < 5; i++ {
		d.Feed([]byte("output\n"))
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected a single transition to active, got %d callbacks", calls)
	}
}

func TestDetectorDisposeStopsUpdates(t *testing.T) {
	d := NewDetector(Options{ActiveThreshold: 1}, nil)
	d.Feed([]byte("output\n"))
	d.Dispose()

	d.Feed([]byte("more output\n"))
	if got := d.State(); got != StateActive {
		t.Errorf("expected state frozen after dispose, got %s", got)
	}
}

func TestCompilePatternsSkipsInvalid(t *testing.T) {
	compiled := CompilePatterns([]string{`\[y/n\]`, `([`, `❯`})
	if len(compiled) != 2 {
		t.Errorf("expected invalid pattern to be skipped, got %d compiled", len(compiled))
	}
}

func TestWindowBounded(t *testing.T) {
	opts := Options{
		WindowBytes:     16,
		ActiveThreshold: 2,
		AskingPatterns:  CompilePatterns([]string{`continue\?`}),
	}
	d := NewDetector(opts, nil)
	defer d.Dispose()

	d.Feed([]byte("continue?"))
	if d.State() != StateAsking {
		t.Fatal("expected asking while prompt is in window")
	}

	// Enough subsequent output pushes the prompt out of the window, and the
	// next evaluation no longer sees it.
	d.Feed([]byte("abcdefghijklmnopqrstuvwxyz"))
	if got := d.State(); got != StateActive {
		t.Errorf("expected prompt to age out of the match window, got %s", got)
	}
}
