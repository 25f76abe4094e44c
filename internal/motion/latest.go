package motion

import (
	"sync"

	"github.com/user/sleeptrack/internal/types"
)

// Latest is a Source fed by pushes from a remote sensor. Peek returns the
// most recent pushed sample.
type Latest struct {
	mu     sync.Mutex
	sample Sample
	ok     bool
}

func NewLatest() *Latest {
	return &Latest{}
}

// Push replaces the current sample.
func (l *Latest) Push(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sample = s
	l.ok = true
}

func (l *Latest) Peek() (Sample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ok {
		return Sample{}, types.ErrNoSample
	}
	return l.sample, nil
}
