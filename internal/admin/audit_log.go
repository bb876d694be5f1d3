package admin

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultAuditCapacity = 200

// auditEntry records one ops action: a refresh, a profile lookup or an API
// key listing.
type auditEntry struct {
	ID      string          `json:"id"`
	Actor   string          `json:"actor"`
	Action  string          `json:"action"`
	Details json.RawMessage `json:"details,omitempty"`
	At      time.Time       `json:"at"`
}

func newAuditEntry(actor, action string, details any, now time.Time) (auditEntry, error) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return auditEntry{}, fmt.Errorf("marshal audit details for %s: %w", action, err)
		}
		raw = b
	}
	return auditEntry{
		ID:      uuid.NewString(),
		Actor:   actor,
		Action:  action,
		Details: raw,
		At:      now.UTC(),
	}, nil
}

// auditTrail keeps the most recent entries in a fixed-size ring so the
// console can show them without a database. Older entries survive only in
// the structured log.
type auditTrail struct {
	mu      sync.Mutex
	entries []auditEntry
	next    int
	full    bool
}

func newAuditTrail(capacity int) *auditTrail {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &auditTrail{entries: make([]auditEntry, capacity)}
}

func (t *auditTrail) add(e auditEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.next] = e
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
}

// recent returns up to limit entries, newest first. limit <= 0 means all.
func (t *auditTrail) recent(limit int) []auditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.full {
		n = len(t.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]auditEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + len(t.entries)) % len(t.entries)
		out = append(out, t.entries[idx])
	}
	return out
}
