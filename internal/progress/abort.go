package progress

import "sync"

// ReasonPause distinguishes a pause from a full cancel. A pause keeps the
// partial file so a later request resumes from its length; a cancel deletes
// everything for the identifier.
const ReasonPause = "pause"

// Abort is the per-session cancellation handle. Signal is idempotent; the
// first call wins and fixes the reason.
type Abort struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func newAbort() *Abort {
	return &Abort{done: make(chan struct{})}
}

// Signal requests termination with the given reason ("" means cancel).
func (a *Abort) Signal(reason string) {
	a.once.Do(func() {
		a.mu.Lock()
		a.reason = reason
		a.mu.Unlock()
		close(a.done)
	})
}

// Done returns a channel closed once the abort fires.
func (a *Abort) Done() <-chan struct{} { return a.done }

// Signalled reports whether the abort has fired.
func (a *Abort) Signalled() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to Signal; valid once Done is closed.
func (a *Abort) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}
