package engine

import (
	"sync"

	"securewipe/internal/failure"
)

// LockTable maps device identities to the job that owns them. It is the
// only state shared between jobs.
type LockTable struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLockTable() *LockTable {
	return &LockTable{held: map[string]string{}}
}

// Acquire claims identity for jobID, failing with LockContention if another
// job holds it.
func (t *LockTable) Acquire(identity, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held == nil {
		t.held = map[string]string{}
	}
	if owner, ok := t.held[identity]; ok {
		return failure.WithHint(
			failure.New(failure.KindLockContention, "device %s is in use by job %s", identity, owner),
			"wait for the running job to finish; jobs are not queued")
	}
	t.held[identity] = jobID
	return nil
}

// Release frees identity if jobID still owns it.
func (t *LockTable) Release(identity, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[identity] == jobID {
		delete(t.held, identity)
	}
}

// Holder returns the job owning identity.
func (t *LockTable) Holder(identity string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.held[identity]
	return id, ok
}
