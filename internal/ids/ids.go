// Package ids mints lexicographically sortable identifiers for request
// correlation and audit records.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a sortable identifier suitable for log correlation and
// storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Prefixed returns an id of the form "<kind>_<ulid>" so entries from
// different subsystems stay distinguishable in a shared log stream.
func Prefixed(kind string) string {
	return kind + "_" + New()
}
