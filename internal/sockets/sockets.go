// Package sockets fans out "clear these sockets" instructions produced
// when trust material changes. Delivery to the actual connections is the
// transport layer's job; this hub only publishes.
package sockets

import (
	"context"
	"sync"
	"time"

	"github.com/envkey/envkey-sub005/internal/obs"
)

// Scope selects which connections an instruction applies to.
type Scope string

const (
	ScopeOrg             Scope = "org"
	ScopeUser            Scope = "user"
	ScopeDevice          Scope = "device"
	ScopeGeneratedEnvkey Scope = "generatedEnvkey"
)

// ClearInstruction orders the transport to drop matching connections and
// force reauthentication.
type ClearInstruction struct {
	OrgID     string    `json:"orgId"`
	Scope     Scope     `json:"scope"`
	IDs       []string  `json:"ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fan-outs clear instructions to all active subscribers (SSE/WebSocket
// bridges).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan ClearInstruction
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]chan ClearInstruction)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// instructions. The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan ClearInstruction {
	ch := make(chan ClearInstruction, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the instruction to all subscribers.
func (h *Hub) Publish(inst ClearInstruction) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- inst:
		default:
			// Drop when subscriber is slow to avoid blocking. The
			// subscriber reconnects and refetches anyway.
			obs.Warn("socket clear dropped", map[string]any{
				"org_id": inst.OrgID,
				"scope":  string(inst.Scope),
			})
		}
	}
}
