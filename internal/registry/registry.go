// Package registry implements the process-wide map of active documents:
// on-demand hydration from persistent storage, idle eviction, and the
// background persister. Ported from the teacher's pkg/server.ServerState
// document map and persister, generalized from a single-process
// sync.Map to the spec's lock-guarded map plus an explicit
// persister-wakeup notifier for the empty-registry park case.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/collabpad/core/internal/document"
	"github.com/collabpad/core/internal/identifier"
	"github.com/collabpad/core/internal/store"
	"github.com/collabpad/core/pkg/logger"
)

// DefaultPersistInterval and DefaultPersistJitter match the spec's
// "10s ± 0-6s" persister tick.
const (
	DefaultPersistInterval = 10 * time.Second
	DefaultPersistJitter   = 6 * time.Second
)

// entry is one registry slot: the live engine plus hydration bookkeeping.
type entry struct {
	lastAccessed time.Time
	engine       *document.Engine
}

// Registry is the concurrent Identifier -> DocumentEntry map.
type Registry struct {
	mu      sync.Mutex
	entries map[identifier.Identifier]*entry

	store store.OpStore

	maxDocumentSize     int
	broadcastBufferSize int

	wakeMu sync.Mutex
	wake   chan struct{}
}

// New creates an empty registry backed by st.
func New(st store.OpStore, maxDocumentSize, broadcastBufferSize int) *Registry {
	return &Registry{
		entries:             make(map[identifier.Identifier]*entry),
		store:               st,
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
		wake:                make(chan struct{}),
	}
}

// GetOrHydrate returns the live engine for id, creating and hydrating one
// from the store on first access. Concurrent first-accesses race safely:
// the loser's freshly-built engine (which nobody has subscribed to yet)
// is discarded in favor of whichever hydration won.
func (reg *Registry) GetOrHydrate(ctx context.Context, id identifier.Identifier) (*document.Engine, error) {
	reg.mu.Lock()
	if e, ok := reg.entries[id]; ok {
		e.lastAccessed = time.Now()
		engine := e.engine
		reg.mu.Unlock()
		return engine, nil
	}
	reg.mu.Unlock()

	doc, err := reg.store.Load(ctx, id.String())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		doc = store.Document{Meta: store.DefaultMeta()}
	default:
		return nil, fmt.Errorf("registry: load %q: %w", id, err)
	}
	engine := document.Load(doc, reg.maxDocumentSize, reg.broadcastBufferSize)

	reg.mu.Lock()
	if existing, ok := reg.entries[id]; ok {
		existing.lastAccessed = time.Now()
		reg.mu.Unlock()
		return existing.engine, nil
	}
	reg.entries[id] = &entry{lastAccessed: time.Now(), engine: engine}
	reg.mu.Unlock()

	reg.notifyPersister()
	return engine, nil
}

// Remove drops id from the registry and kills its engine.
func (reg *Registry) Remove(id identifier.Identifier) {
	reg.mu.Lock()
	e, ok := reg.entries[id]
	if ok {
		delete(reg.entries, id)
	}
	reg.mu.Unlock()
	if ok {
		e.engine.Kill()
	}
}

// Count returns the number of live (in-memory) documents.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.entries)
}

// notifyPersister wakes a persister parked on an empty registry.
func (reg *Registry) notifyPersister() {
	reg.wakeMu.Lock()
	defer reg.wakeMu.Unlock()
	close(reg.wake)
	reg.wake = make(chan struct{})
}

func (reg *Registry) parkHandle() <-chan struct{} {
	reg.wakeMu.Lock()
	defer reg.wakeMu.Unlock()
	return reg.wake
}

// snapshotEntries returns a stable list of (id, entry) pairs, taken under
// the registry lock but without holding any per-engine lock.
func (reg *Registry) snapshotEntries() map[identifier.Identifier]*entry {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make(map[identifier.Identifier]*entry, len(reg.entries))
	for id, e := range reg.entries {
		out[id] = e
	}
	return out
}

// tick runs one persister pass: snapshot dirty engines, persist them, then
// attempt idle eviction. Returns the number of documents persisted.
func (reg *Registry) tick(ctx context.Context) int {
	persisted := 0
	for id, e := range reg.snapshotEntries() {
		snapshot, dirty := e.engine.DirtySnapshot()
		if !dirty {
			reg.maybeEvict(id, e)
			continue
		}
		if err := reg.store.Store(ctx, id.String(), snapshot); err != nil {
			logger.Error("registry: persist %s: %v", id, err)
			continue
		}
		persisted++
		reg.maybeEvict(id, e)
	}
	return persisted
}

func (reg *Registry) maybeEvict(id identifier.Identifier, e *entry) {
	if !e.engine.KillIfIdle() {
		return
	}
	reg.mu.Lock()
	if reg.entries[id] == e {
		delete(reg.entries, id)
	}
	reg.mu.Unlock()
}

// Run drives the background persister until ctx is canceled: walk the
// registry, persist dirty engines outside any engine lock, evict idle
// ones, then sleep with jitter (doubled if nothing needed persisting),
// parking entirely when the registry is empty.
func (reg *Registry) Run(ctx context.Context, interval, jitter time.Duration) {
	for {
		if reg.Count() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-reg.parkHandle():
			}
			continue
		}

		persisted := reg.tick(ctx)

		sleep := interval
		if jitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(jitter)))
		}
		if persisted == 0 {
			sleep += interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Shutdown persists every dirty document synchronously. It must be called
// before the process exits so unpersisted edits are not discarded.
func (reg *Registry) Shutdown(ctx context.Context) {
	for id, e := range reg.snapshotEntries() {
		snapshot, dirty := e.engine.DirtySnapshot()
		if !dirty {
			continue
		}
		if err := reg.store.Store(ctx, id.String(), snapshot); err != nil {
			logger.Error("registry: shutdown persist %s: %v", id, err)
		}
	}
}
