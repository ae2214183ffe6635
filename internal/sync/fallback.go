package sync

import (
	"sync"
	"time"
)

// FallbackState is the degraded-proxy state machine position.
type FallbackState int

const (
	// FallbackNone: fetch with the latest spec version.
	FallbackNone FallbackState = iota
	// FallbackActive: a proxy rejected the latest spec; fetch with the
	// previous spec version until the recovery interval elapses.
	FallbackActive
	// FallbackRecovery: the recovery interval elapsed; probe the latest
	// spec again. Success returns to FallbackNone, another rejection back
	// to FallbackActive.
	FallbackRecovery
)

// specFallback decides which evaluation-spec version outgoing fetches carry
// when an intermediary proxy serves a stale protocol version. Background
// jobs never consult it: a background batch sync fails fast and retries
// later rather than degrading.
type specFallback struct {
	latest           string
	previous         string
	recoveryInterval time.Duration
	now              func() time.Time

	mu          sync.Mutex
	state       FallbackState
	lastErrorAt time.Time
}

func newSpecFallback(latest, previous string, recoveryInterval time.Duration) *specFallback {
	return &specFallback{
		latest:           latest,
		previous:         previous,
		recoveryInterval: recoveryInterval,
		now:              time.Now,
	}
}

// SpecToUse returns the spec version the next fetch should carry, advancing
// FallbackActive to FallbackRecovery once the interval since the last proxy
// error has elapsed.
func (f *specFallback) SpecToUse() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case FallbackActive:
		if f.now().Sub(f.lastErrorAt) >= f.recoveryInterval {
			f.state = FallbackRecovery
			return f.latest
		}
		return f.previous
	default:
		return f.latest
	}
}

// NoteError records a fetch failure for the given spec. Only
// proxy-attributable rejections of the latest spec move the machine.
func (f *specFallback) NoteError(err error, spec string) {
	if spec != f.latest || !proxySpecError(err) {
		return
	}
	f.mu.Lock()
	f.state = FallbackActive
	f.lastErrorAt = f.now()
	f.mu.Unlock()
}

// NoteSuccess records a successful fetch. A success at the latest spec
// while probing returns the machine to FallbackNone.
func (f *specFallback) NoteSuccess(spec string) {
	if spec != f.latest {
		return
	}
	f.mu.Lock()
	if f.state == FallbackRecovery {
		f.state = FallbackNone
	}
	f.mu.Unlock()
}

// State returns the current machine position.
func (f *specFallback) State() FallbackState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
