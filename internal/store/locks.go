package store

import "sync"

// OrgLocks serializes write transactions per org. Permission checks and
// reencryption flagging are only correct against a consistent snapshot, so
// one authorize+commit cycle holds its org's lock end to end. There is no
// cross-org coordination.
type OrgLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrgLocks returns an empty lock table.
func NewOrgLocks() *OrgLocks {
	return &OrgLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the org's lock is held and returns the unlock func.
func (l *OrgLocks) Lock(orgID string) func() {
	l.mu.Lock()
	m, ok := l.locks[orgID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[orgID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
