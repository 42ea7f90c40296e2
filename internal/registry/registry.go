// Package registry is the server-wide directory of live compilations: the
// single source of truth for whether a compilation ID exists and what it
// contains.
//
// A compilation becomes visible through Get only after its first build has
// succeeded; a failed initial build leaves no trace. Records are removed
// through the compilation's disposal notification, and removing an absent
// ID is a no-op so duplicate notifications are harmless.
package registry

import (
	"context"
	"net/http"
	"sync"

	"github.com/packd-dev/packd/internal/assets"
	"github.com/packd-dev/packd/internal/compilation"
	"github.com/packd-dev/packd/internal/config"
	"github.com/packd-dev/packd/internal/logging"
	"github.com/packd-dev/packd/internal/preview"
)

// Record couples a live compilation with its rendering options and any
// custom handler a caller mounted under the compilation's preview prefix.
type Record struct {
	Compilation *compilation.Compilation
	Options     preview.Options

	mu      sync.RWMutex
	handler http.Handler
}

// Mount attaches a handler consulted for asset paths the build did not
// emit. Replaces any previously mounted handler.
func (r *Record) Mount(h http.Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Handler returns the mounted pass-through handler, or nil.
func (r *Record) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler
}

// Registry maps compilation IDs to their records. Only the registry
// mutates the map: insertion on first build success, removal on disposal.
type Registry struct {
	store  *assets.Store
	build  config.BuildConfig
	logger logging.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates an empty registry over the given asset store.
func New(store *assets.Store, build config.BuildConfig, logger logging.Logger) *Registry {
	return &Registry{
		store:   store,
		build:   build,
		logger:  logger.WithComponent("registry"),
		records: make(map[string]*Record),
	}
}

// Request creates a compilation for the given entries, runs its first
// build, and registers it on success. On any failure the compilation is
// disposed and nothing is registered, so lookups never observe half-built
// state. Concurrent requests are independent; no request waits on
// another's build.
//
// onRebuild, if non-nil, is wired up before the first build starts, so
// watch-triggered rebuilds landing right after it are already observed.
func (reg *Registry) Request(entries []string, opts preview.Options, onRebuild func(id string, m *compilation.Manifest)) (*Record, error) {
	comp, err := compilation.New(entries, reg.store, reg.logger, reg.Remove)
	if err != nil {
		return nil, err
	}

	if onRebuild != nil {
		comp.OnRebuild(func(m *compilation.Manifest) {
			onRebuild(comp.ID(), m)
		})
	}

	if _, err := comp.Compile(reg.build); err != nil {
		// Best effort: release the watch context before surfacing the
		// build failure. The disposal notification hits Remove, which
		// tolerates the never-registered ID.
		_ = comp.Dispose()
		return nil, err
	}

	record := &Record{Compilation: comp, Options: opts}

	reg.mu.Lock()
	reg.records[comp.ID()] = record
	reg.mu.Unlock()

	reg.logger.Info(context.Background(), "compilation registered",
		"compilation", comp.ID(), "entries", len(entries))
	return record, nil
}

// Get looks up a record by compilation ID. Pure lookup; never fails.
func (reg *Registry) Get(id string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	record, ok := reg.records[id]
	return record, ok
}

// Remove drops a record by ID. Removing an absent ID is a no-op.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	_, existed := reg.records[id]
	delete(reg.records, id)
	reg.mu.Unlock()

	if existed {
		reg.logger.Info(context.Background(), "compilation removed", "compilation", id)
	}
}

// Len returns the number of registered compilations.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}

// Clear disposes every registered compilation and empties the registry.
// Used on server shutdown.
func (reg *Registry) Clear() {
	reg.mu.RLock()
	records := make([]*Record, 0, len(reg.records))
	for _, record := range reg.records {
		records = append(records, record)
	}
	reg.mu.RUnlock()

	for _, record := range records {
		// Disposal notifies Remove; an already-disposed compilation
		// (raced with an explicit delete) is fine to skip.
		if err := record.Compilation.Dispose(); err != nil {
			reg.logger.Warn(context.Background(), err, "disposing compilation on clear",
				"compilation", record.Compilation.ID())
		}
	}
}
