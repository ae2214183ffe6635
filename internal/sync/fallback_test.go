package sync

import (
	"errors"
	"testing"
	"time"
)

func newTestFallback(interval time.Duration) (*specFallback, *time.Time) {
	f := newSpecFallback(SpecLatest, SpecPrevious, interval)
	now := time.Now()
	f.now = func() time.Time { return now }
	return f, &now
}

func TestFallbackStartsAtLatest(t *testing.T) {
	f, _ := newTestFallback(time.Hour)
	if got := f.SpecToUse(); got != SpecLatest {
		t.Fatalf("SpecToUse() = %q, want %q", got, SpecLatest)
	}
	if f.State() != FallbackNone {
		t.Fatalf("State() = %v, want FallbackNone", f.State())
	}
}

func TestFallbackDegradesOnProxySpecError(t *testing.T) {
	f, _ := newTestFallback(time.Hour)

	f.NoteError(&FetchError{StatusCode: 400, Message: "unknown spec"}, SpecLatest)
	if f.State() != FallbackActive {
		t.Fatalf("State() = %v, want FallbackActive", f.State())
	}
	if got := f.SpecToUse(); got != SpecPrevious {
		t.Fatalf("SpecToUse() while degraded = %q, want %q", got, SpecPrevious)
	}
}

func TestFallbackIgnoresOtherErrors(t *testing.T) {
	f, _ := newTestFallback(time.Hour)

	// Server-side failure: not proxy-attributable.
	f.NoteError(&FetchError{StatusCode: 503}, SpecLatest)
	if f.State() != FallbackNone {
		t.Fatalf("State() after 503 = %v, want FallbackNone", f.State())
	}
	// Network failure.
	f.NoteError(&FetchError{Message: "connection refused"}, SpecLatest)
	if f.State() != FallbackNone {
		t.Fatalf("State() after network error = %v, want FallbackNone", f.State())
	}
	// A 400 while already on the previous spec is not the trigger either.
	f.NoteError(&FetchError{StatusCode: 400}, SpecPrevious)
	if f.State() != FallbackNone {
		t.Fatalf("State() after 400 at previous spec = %v, want FallbackNone", f.State())
	}
	// Non-FetchError failures never move the machine.
	f.NoteError(errors.New("plain error"), SpecLatest)
	if f.State() != FallbackNone {
		t.Fatalf("State() after plain error = %v, want FallbackNone", f.State())
	}
}

func TestFallbackRecoveryProbe(t *testing.T) {
	f, now := newTestFallback(time.Hour)

	f.NoteError(&FetchError{StatusCode: 400}, SpecLatest)
	if got := f.SpecToUse(); got != SpecPrevious {
		t.Fatalf("SpecToUse() = %q, want previous while degraded", got)
	}

	// Interval elapses: the next fetch probes the latest spec.
	*now = now.Add(time.Hour + time.Minute)
	if got := f.SpecToUse(); got != SpecLatest {
		t.Fatalf("SpecToUse() after interval = %q, want %q", got, SpecLatest)
	}
	if f.State() != FallbackRecovery {
		t.Fatalf("State() = %v, want FallbackRecovery", f.State())
	}

	// Probe succeeds: back to normal.
	f.NoteSuccess(SpecLatest)
	if f.State() != FallbackNone {
		t.Fatalf("State() after successful probe = %v, want FallbackNone", f.State())
	}
}

func TestFallbackProbeFailureReturnsToActive(t *testing.T) {
	f, now := newTestFallback(time.Hour)

	f.NoteError(&FetchError{StatusCode: 400}, SpecLatest)
	*now = now.Add(2 * time.Hour)
	if got := f.SpecToUse(); got != SpecLatest {
		t.Fatalf("SpecToUse() = %q, want probe at latest", got)
	}

	// Probe rejected again: degrade and restart the clock.
	f.NoteError(&FetchError{StatusCode: 400}, SpecLatest)
	if f.State() != FallbackActive {
		t.Fatalf("State() after failed probe = %v, want FallbackActive", f.State())
	}
	if got := f.SpecToUse(); got != SpecPrevious {
		t.Fatalf("SpecToUse() after failed probe = %q, want %q", got, SpecPrevious)
	}
}

func TestFallbackSuccessAtPreviousSpecKeepsDegraded(t *testing.T) {
	f, _ := newTestFallback(time.Hour)
	f.NoteError(&FetchError{StatusCode: 400}, SpecLatest)

	f.NoteSuccess(SpecPrevious)
	if f.State() != FallbackActive {
		t.Fatalf("State() = %v, want FallbackActive after success at previous spec", f.State())
	}
}
