package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// EventDedup acknowledges a replayed submission without writing it twice.
// Fingerprints are remembered for ttl; past maxSize the oldest go first.
type EventDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []dedupEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type dedupEntry struct {
	fp string
	at time.Time
}

// NewEventDedup returns a cache with the given window and capacity. Zero
// values select 30s and 50000.
func NewEventDedup(ttl time.Duration, maxSize int) *EventDedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &EventDedup{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// IsDuplicate reports whether an equivalent event arrived within the window,
// recording the event when it did not.
func (d *EventDedup) IsDuplicate(event *SecurityEvent) bool {
	fp := Fingerprint(event)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[fp]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[fp] = now
	d.order = append(d.order, dedupEntry{fp, now})
	d.expireLocked(now)
	return false
}

// Forget drops the event's fingerprint so the next equivalent submission is
// treated as new. Used when an accepted event could not be stored.
func (d *EventDedup) Forget(event *SecurityEvent) {
	fp := Fingerprint(event)
	d.mu.Lock()
	delete(d.seen, fp)
	d.mu.Unlock()
}

// Fingerprint hashes what the submitter controls: user, type, severity,
// address, agent and details. ID and timestamps are left out.
func Fingerprint(event *SecurityEvent) string {
	h := sha256.New()
	for _, part := range []string{event.UserID, event.EventType, event.Severity.String(), event.IPAddress, event.UserAgent} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if len(event.Details) > 0 {
		// Map keys marshal sorted.
		if data, err := json.Marshal(event.Details); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// expireLocked pops entries from the front of the insertion order while they
// are past the window or the cache is over capacity. Entries superseded by a
// later sighting of the same fingerprint are skipped.
func (d *EventDedup) expireLocked(now time.Time) {
	i := 0
	for ; i < len(d.order); i++ {
		e := d.order[i]
		if now.Sub(e.at) < d.ttl && len(d.seen) <= d.maxSize {
			break
		}
		if at, ok := d.seen[e.fp]; ok && at.Equal(e.at) {
			delete(d.seen, e.fp)
		}
	}
	if i > 0 {
		d.order = append(d.order[:0:0], d.order[i:]...)
	}
}

// StartCleanup expires old fingerprints every interval until ctx is done.
func (d *EventDedup) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.mu.Lock()
				d.expireLocked(d.now())
				d.mu.Unlock()
			}
		}
	}()
}

// Size is the number of fingerprints currently remembered.
func (d *EventDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
