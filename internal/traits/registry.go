// Package traits holds the dynamic behavior-module registry and the budgeted
// per-entity executor. The registry is written by the patcher and read by the
// tick engine; writes replace the whole map so readers holding a snapshot
// never see torn state.
package traits

import (
	"sync"
	"sync/atomic"

	"genesis/traitapi"
)

// Entry is one trait family: the live factory, its source text, and the
// bounded file-path history kept for rollback inspection.
type Entry struct {
	Name    string
	Factory traitapi.Factory
	Source  string
	Files   []string
}

// Instance is one running trait closure attached to one entity.
type Instance struct {
	Name string
	Fn   traitapi.TraitFunc
}

// NewInstance spawns a fresh closure for one entity.
func (e Entry) NewInstance() *Instance {
	return &Instance{Name: e.Name, Fn: e.Factory()}
}

// Registry maps canonical trait names to entries. All mutation goes through
// copy-on-write replacement of the internal map, and every write bumps the
// monotonic version counter the tick engine polls for upgrade passes.
type Registry struct {
	mu       sync.Mutex
	snap     atomic.Pointer[map[string]Entry]
	version  atomic.Uint64
	maxFiles int
}

// NewRegistry returns an empty registry retaining up to maxFiles file paths
// per family.
func NewRegistry(maxFiles int) *Registry {
	if maxFiles <= 0 {
		maxFiles = 3
	}
	r := &Registry{maxFiles: maxFiles}
	empty := map[string]Entry{}
	r.snap.Store(&empty)
	return r
}

// Register installs or replaces a family. The raw name is canonicalized.
// filePath is pushed onto the family's retention list; paths evicted by the
// bound are returned so the caller can delete them from disk.
func (r *Registry) Register(rawName string, factory traitapi.Factory, filePath string) (evicted []string) {
	name := Canonical(rawName)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next := make(map[string]Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}

	entry := cur[name]
	entry.Name = name
	entry.Factory = factory
	if filePath != "" {
		entry.Files = append(append([]string(nil), entry.Files...), filePath)
		for len(entry.Files) > r.maxFiles {
			evicted = append(evicted, entry.Files[0])
			entry.Files = entry.Files[1:]
		}
	}
	next[name] = entry

	r.snap.Store(&next)
	r.version.Add(1)
	return evicted
}

// RegisterSource attaches source text to a family. No version bump: the
// executable class is unchanged.
func (r *Registry) RegisterSource(rawName, source string) {
	name := Canonical(rawName)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	entry, ok := cur[name]
	if !ok {
		entry = Entry{Name: name}
	}
	entry.Source = source

	next := make(map[string]Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[name] = entry
	r.snap.Store(&next)
}

// Unregister removes a family, returning its retained file paths for cleanup
// and whether it existed.
func (r *Registry) Unregister(rawName string) (files []string, ok bool) {
	name := Canonical(rawName)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	entry, ok := cur[name]
	if !ok {
		return nil, false
	}

	next := make(map[string]Entry, len(cur))
	for k, v := range cur {
		if k != name {
			next[k] = v
		}
	}
	r.snap.Store(&next)
	r.version.Add(1)
	return entry.Files, true
}

// Snapshot returns the current family map. The map is shared and must be
// treated as read-only; later writes replace it rather than mutate it.
func (r *Registry) Snapshot() map[string]Entry {
	return *r.snap.Load()
}

// Get looks up one family by raw or canonical name.
func (r *Registry) Get(rawName string) (Entry, bool) {
	e, ok := (*r.snap.Load())[Canonical(rawName)]
	return e, ok
}

// GetSource returns the retained source text for a family.
func (r *Registry) GetSource(rawName string) (string, bool) {
	e, ok := r.Get(rawName)
	if !ok || e.Source == "" {
		return "", false
	}
	return e.Source, true
}

// Sources returns a name → source map for every family with retained source.
func (r *Registry) Sources() map[string]string {
	out := map[string]string{}
	for name, e := range *r.snap.Load() {
		if e.Source != "" {
			out[name] = e.Source
		}
	}
	return out
}

// Version returns the monotonic write counter.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
