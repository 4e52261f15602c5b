package memory

import (
	"context"
	"sync"
)

// SubjectLocker grants exclusive per-subject leases within one process.
type SubjectLocker struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// NewSubjectLocker creates a SubjectLocker.
func NewSubjectLocker() *SubjectLocker {
	return &SubjectLocker{locked: make(map[string]struct{})}
}

// TryLock acquires subjectID if it is free.
func (l *SubjectLocker) TryLock(_ context.Context, subjectID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locked[subjectID]; held {
		return nil, false, nil
	}
	l.locked[subjectID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locked, subjectID)
			l.mu.Unlock()
		})
	}, true, nil
}
