// Package registry is the process-local connection registry named in
// spec.md 5: a diagnostic map of canonical device key to live connection,
// used only for diagnostics and graceful shutdown broadcast. It is never
// consulted by the parsing path. Adapted from the teacher's
// uds.MultiServer keep-alive/expiry loop (sync.Map + ticker).
package registry

import (
	"context"
	"sync"
	"time"
)

// Handle is anything a Handler registers itself as: something that can be
// told to start closing and that reports its own canonical key.
type Handle interface {
	CanonicalKey() string
	RequestClose()
}

const cleanupInterval = 30 * time.Second

type entry struct {
	handle   Handle
	lastSeen time.Time
}

type Registry struct {
	ctx context.Context

	mu      sync.Mutex
	entries map[string]*entry

	expireAfter time.Duration
}

func NewRegistry(ctx context.Context, expireAfter time.Duration) *Registry {
	r := &Registry{
		ctx:         ctx,
		entries:     make(map[string]*entry),
		expireAfter: expireAfter,
	}

	go r.startPeriodicCleanup()

	return r
}

// Register records a live connection under its canonical key. A
// reconnecting device simply overwrites the previous entry; the prior
// handler will be told to close on its own idle timeout (spec.md 3,
// "records from the prior session may still be landing").
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[h.CanonicalKey()] = &entry{handle: h, lastSeen: time.Now()}
}

func (r *Registry) Touch(canonicalKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[canonicalKey]; ok {
		e.lastSeen = time.Now()
	}
}

func (r *Registry) Unregister(canonicalKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, canonicalKey)
}

// Count is used for diagnostics only.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// BroadcastClose signals every live handle to enter Closing. Used by the
// Supervisor on shutdown (spec.md 4.6).
func (r *Registry) BroadcastClose() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		handles = append(handles, e.handle)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.RequestClose()
	}
}

func (r *Registry) startPeriodicCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupStale()
		}
	}
}

func (r *Registry) cleanupStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for key, e := range r.entries {
		if now.Sub(e.lastSeen) > r.expireAfter {
			delete(r.entries, key)
		}
	}
}
