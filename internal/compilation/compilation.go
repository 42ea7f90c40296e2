// Package compilation owns the lifecycle of a single on-demand build: a
// unique identity, an esbuild watch context, the latest build manifest,
// and disposal of all of it.
//
// Each Compilation drives its own incremental bundler instance against a
// private namespace of the in-memory asset store. The first build blocks
// the creating request; later incremental builds land asynchronously and
// replace the manifest wholesale, so preview and asset requests always
// observe the most recent successful build.
package compilation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/packd-dev/packd/internal/assets"
	"github.com/packd-dev/packd/internal/config"
	pkderrors "github.com/packd-dev/packd/internal/errors"
	"github.com/packd-dev/packd/internal/logging"
)

// State is the lifecycle state of a Compilation. The state machine is
// monotonic: once disposed, a compilation never becomes active again.
type State string

const (
	StateActive   State = "active"
	StateDisposed State = "disposed"
)

// placeholderSource seeds a compilation requested with zero entries, so
// it can still be built and previewed.
const placeholderSource = "export {};\n"

const placeholderName = "placeholder.js"

// Compilation is one build pipeline instance tied to a fixed set of entry
// modules and a unique ID. It exclusively owns its bundler context; the
// registry only holds a keyed reference for lookup.
type Compilation struct {
	id      string
	entries []string
	store   *assets.Store
	logger  logging.Logger

	// onDispose is the single lifecycle listener, registered at creation
	// (the registry). Fired exactly once, from Dispose.
	onDispose func(id string)

	mu    sync.Mutex
	state State
	ctx   api.BuildContext

	manifestMu sync.RWMutex
	manifest   *Manifest
	seq        uint64

	firstOnce   sync.Once
	firstResult chan error

	rebuildMu sync.RWMutex
	onRebuild func(*Manifest)
}

// New creates a compilation in the active state with a fresh unique ID.
// Every entry must be an absolute path; an empty entry list substitutes
// the built-in placeholder module. onDispose may be nil.
func New(entries []string, store *assets.Store, logger logging.Logger, onDispose func(id string)) (*Compilation, error) {
	for _, entry := range entries {
		if !filepath.IsAbs(entry) {
			return nil, pkderrors.NewInvalidEntryError(entry)
		}
	}

	return &Compilation{
		id:          newID(),
		entries:     append([]string(nil), entries...),
		store:       store,
		logger:      logger.WithComponent("compilation"),
		onDispose:   onDispose,
		state:       StateActive,
		firstResult: make(chan error, 1),
	}, nil
}

// newID returns a 32-character hex identifier. Random IDs make registry
// keys unique by construction.
func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("compilation: reading random id: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// ID returns the compilation's stable unique identifier.
func (c *Compilation) ID() string {
	return c.id
}

// Entries returns the entry paths that seed this build.
func (c *Compilation) Entries() []string {
	return append([]string(nil), c.entries...)
}

// State returns the current lifecycle state.
func (c *Compilation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PreviewPath returns the server-relative preview route for this
// compilation, with a trailing slash.
func (c *Compilation) PreviewPath() string {
	return "/compilation/" + c.id + "/"
}

// PreviewURL resolves the preview route against a server base URL.
func (c *Compilation) PreviewURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + c.PreviewPath()
}

// Manifest returns the most recent successful build's manifest, or nil
// if no build has succeeded yet.
func (c *Compilation) Manifest() *Manifest {
	c.manifestMu.RLock()
	defer c.manifestMu.RUnlock()
	return c.manifest
}

// OnRebuild registers the listener notified after each successful
// incremental rebuild (not the first build, whose result is returned from
// Compile). At most one listener is supported.
func (c *Compilation) OnRebuild(fn func(*Manifest)) {
	c.rebuildMu.Lock()
	c.onRebuild = fn
	c.rebuildMu.Unlock()
}

// outdir is the virtual output directory the bundler believes it writes
// to. Nothing is written there; output is intercepted and stored in the
// asset store under the same namespace.
func (c *Compilation) outdir() string {
	return "/" + c.id + "/dist"
}

// Compile starts the bundler in continuous watch mode and blocks until
// the first build completes, returning its manifest. On a compilation
// that is already watching, it triggers one incremental rebuild instead.
// A failed build returns a BuildError and leaves any previous manifest
// untouched.
func (c *Compilation) Compile(build config.BuildConfig) (*Manifest, error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil, pkderrors.NewIllegalStateError("compile", string(c.state))
	}

	if c.ctx != nil {
		ctx := c.ctx
		c.mu.Unlock()

		result := ctx.Rebuild()
		if len(result.Errors) > 0 {
			return nil, pkderrors.NewBuildError(formatMessages(result.Errors), nil)
		}
		return c.Manifest(), nil
	}

	ctx, ctxErr := api.Context(c.buildOptions(build))
	if ctxErr != nil {
		c.mu.Unlock()
		return nil, pkderrors.NewBuildError(formatMessages(ctxErr.Errors), nil)
	}
	c.ctx = ctx
	c.mu.Unlock()

	// Watch kicks off the initial build; its result arrives through the
	// OnEnd hook.
	if err := ctx.Watch(api.WatchOptions{}); err != nil {
		return nil, pkderrors.NewBuildError(nil, err)
	}

	if err := <-c.firstResult; err != nil {
		return nil, err
	}
	return c.Manifest(), nil
}

// buildOptions derives the bundler configuration for this compilation.
func (c *Compilation) buildOptions(build config.BuildConfig) api.BuildOptions {
	opts := api.BuildOptions{
		Bundle:    true,
		Write:     false,
		Metafile:  true,
		Outdir:    c.outdir(),
		Format:    api.FormatESModule,
		Platform:  api.PlatformBrowser,
		Target:    targetFor(build.Target),
		LogLevel:  api.LogLevelSilent,
		NodePaths: build.NodePaths,
		Plugins: []api.Plugin{{
			Name: "packd-collect",
			Setup: func(pb api.PluginBuild) {
				pb.OnEnd(c.handleBuildEnd)
			},
		}},
	}

	if build.Sourcemap {
		opts.Sourcemap = api.SourceMapInline
	}
	if build.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}

	if len(c.entries) == 0 {
		opts.Stdin = &api.StdinOptions{
			Contents:   placeholderSource,
			Sourcefile: placeholderName,
			ResolveDir: "/",
			Loader:     api.LoaderJS,
		}
	} else {
		opts.EntryPoints = c.entries
	}

	return opts
}

// handleBuildEnd runs after every build the watch context performs,
// initial and incremental alike. Build completions for one context are
// serialized by the bundler, so manifests apply strictly in order.
func (c *Compilation) handleBuildEnd(result *api.BuildResult) (api.OnEndResult, error) {
	err := c.applyResult(result)

	first := false
	c.firstOnce.Do(func() {
		first = true
		c.firstResult <- err
	})

	if !first && err == nil {
		c.rebuildMu.RLock()
		fn := c.onRebuild
		c.rebuildMu.RUnlock()
		if fn != nil {
			fn(c.Manifest())
		}
	}

	// Output handling can fail after a clean compile (manifest parse,
	// store write). Surfacing it here puts it in the result's errors, so
	// explicit rebuilds observe the failure instead of a stale manifest.
	if err != nil && len(result.Errors) == 0 {
		return api.OnEndResult{}, err
	}
	return api.OnEndResult{}, nil
}

// applyResult stores a successful build's output and swaps in its
// manifest. A failed build changes nothing.
func (c *Compilation) applyResult(result *api.BuildResult) error {
	if len(result.Errors) > 0 {
		diags := formatMessages(result.Errors)
		c.logger.Warn(context.Background(), nil, "build failed",
			"compilation", c.id, "errors", len(diags))
		return pkderrors.NewBuildError(diags, nil)
	}

	prefix := filepath.ToSlash(c.outdir()) + "/"
	for _, file := range result.OutputFiles {
		rel := strings.TrimPrefix(filepath.ToSlash(file.Path), prefix)
		name, ok := assets.AssetPath(c.id, rel)
		if !ok {
			c.logger.Warn(context.Background(), nil, "skipping unmappable output file",
				"compilation", c.id, "path", file.Path)
			continue
		}
		if err := c.store.WriteFile(name, file.Contents); err != nil {
			return pkderrors.NewBuildError(nil, err)
		}
	}

	c.manifestMu.Lock()
	c.seq++
	manifest, err := parseManifest(result.Metafile, c.seq)
	if err != nil {
		c.seq--
		c.manifestMu.Unlock()
		return pkderrors.NewBuildError(nil, err)
	}
	c.manifest = manifest
	c.manifestMu.Unlock()

	c.logger.Debug(context.Background(), "build complete",
		"compilation", c.id, "sequence", manifest.Sequence,
		"assets", len(manifest.AssetFiles()))
	return nil
}

// Dispose stops the watch context, purges this compilation's namespace
// from the asset store, and notifies the lifecycle listener. Disposing an
// already-disposed compilation is an IllegalStateError.
func (c *Compilation) Dispose() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return pkderrors.NewIllegalStateError("dispose", string(StateDisposed))
	}
	c.state = StateDisposed
	ctx := c.ctx
	c.ctx = nil
	c.mu.Unlock()

	if ctx != nil {
		// Cancel aborts an in-flight build so Dispose cannot hang behind
		// a stuck rebuild; Dispose then waits for the watcher to exit.
		ctx.Cancel()
		ctx.Dispose()
	}

	// Wake a Compile call still waiting on a first result that will
	// never arrive.
	c.firstOnce.Do(func() {
		c.firstResult <- pkderrors.NewIllegalStateError("compile", string(StateDisposed))
	})

	if err := c.store.RemoveAll(c.id); err != nil {
		c.logger.Warn(context.Background(), err, "purging asset namespace",
			"compilation", c.id)
	}

	if c.onDispose != nil {
		c.onDispose(c.id)
	}
	return nil
}

// formatMessages renders bundler diagnostics as plain strings.
func formatMessages(msgs []api.Message) []string {
	return api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: api.ErrorMessage})
}

// targetFor maps a config target name to the bundler's constant,
// defaulting to ESNext.
func targetFor(name string) api.Target {
	switch strings.ToLower(name) {
	case "es5":
		return api.ES5
	case "es2015":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2020":
		return api.ES2020
	case "es2021":
		return api.ES2021
	case "es2022":
		return api.ES2022
	case "es2023":
		return api.ES2023
	default:
		return api.ESNext
	}
}
