// Package knowledge holds research results keyed by topic. Re-researching a
// key replaces the previous entry; payloads are stored as opaque JSON.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"autocycle/internal/backend"
	"autocycle/internal/domain"
)

// ArtifactName is the backend name of the knowledge snapshot.
const ArtifactName = "knowledge"

// Researcher is the knowledge provider consulted by learning cycles.
type Researcher interface {
	Research(ctx context.Context, topic string) (json.RawMessage, error)
}

// Registry is safe for concurrent use. Every mutation bumps a generation;
// Persist writes are serialized and record the generation they carried, so an
// older snapshot never lands after a newer one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]domain.KnowledgeEntry
	gen     uint64
	Now     func() time.Time

	ioMu     sync.Mutex
	savedGen atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]domain.KnowledgeEntry{}, Now: time.Now}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Put stores payload under key, replacing any previous entry.
func (r *Registry) Put(key string, payload json.RawMessage) error {
	if key == "" {
		return errors.New("knowledge key is empty")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("knowledge %s: payload is not valid JSON", key)
	}
	e := domain.KnowledgeEntry{
		Key:        key,
		Payload:    append(json.RawMessage(nil), payload...),
		ProducedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.entries[key] = e
	r.gen++
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(key string) (domain.KnowledgeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns every key in ascending order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all entries.
func (r *Registry) Snapshot() map[string]domain.KnowledgeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.KnowledgeEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Restore replaces all entries.
func (r *Registry) Restore(entries map[string]domain.KnowledgeEntry) {
	r.restore(entries, false)
}

func (r *Registry) restore(entries map[string]domain.KnowledgeEntry, saved bool) {
	next := make(map[string]domain.KnowledgeEntry, len(entries))
	for k, v := range entries {
		v.Key = k
		next[k] = v
	}
	r.mu.Lock()
	r.entries = next
	r.gen++
	if saved {
		r.savedGen.Store(r.gen)
	}
	r.mu.Unlock()
}

// Dirty reports whether entries changed since the last successful Persist.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen != r.savedGen.Load()
}

// Persist writes the snapshot artifact if entries changed since the last
// successful write. Encoding happens under the read lock; the write itself
// does not hold it. On failure the registry stays dirty.
func (r *Registry) Persist(ctx context.Context, b backend.Backend) error {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()

	r.mu.RLock()
	gen := r.gen
	if gen == r.savedGen.Load() {
		r.mu.RUnlock()
		return nil
	}
	data, err := json.MarshalIndent(r.entries, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode knowledge: %w", err)
	}
	if err := b.Write(ctx, ArtifactName, data); err != nil {
		return fmt.Errorf("persist knowledge: %w", err)
	}
	if gen > r.savedGen.Load() {
		r.savedGen.Store(gen)
	}
	return nil
}

// LoadFrom restores the registry from the snapshot artifact and returns the
// number of entries. A missing artifact leaves the registry empty.
func (r *Registry) LoadFrom(ctx context.Context, b backend.Backend) (int, error) {
	data, err := b.Read(ctx, ArtifactName)
	if errors.Is(err, backend.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	entries, err := Decode(data)
	if err != nil {
		return 0, err
	}
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	r.restore(entries, true)
	return len(entries), nil
}

// Decode parses a snapshot artifact.
func Decode(data []byte) (map[string]domain.KnowledgeEntry, error) {
	var entries map[string]domain.KnowledgeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode knowledge snapshot: %w", err)
	}
	if entries == nil {
		entries = map[string]domain.KnowledgeEntry{}
	}
	return entries, nil
}
