package progress

import "sync"

// SizeLedger tracks the best-known total byte length of in-flight transfers.
// The content server consults it while the final size cannot be read from
// the filesystem; entries are removed when the session ends.
type SizeLedger struct {
	mu    sync.RWMutex
	sizes map[string]int64
}

// NewSizeLedger creates an empty ledger.
func NewSizeLedger() *SizeLedger {
	return &SizeLedger{sizes: make(map[string]int64)}
}

// Set records the total length for an identifier.
func (l *SizeLedger) Set(id string, total int64) {
	l.mu.Lock()
	l.sizes[id] = total
	l.mu.Unlock()
}

// Get returns the recorded total and whether one is known.
func (l *SizeLedger) Get(id string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total, ok := l.sizes[id]
	return total, ok
}

// Delete removes the identifier's entry.
func (l *SizeLedger) Delete(id string) {
	l.mu.Lock()
	delete(l.sizes, id)
	l.mu.Unlock()
}
