package compilation

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packd-dev/packd/internal/assets"
	"github.com/packd-dev/packd/internal/config"
	pkderrors "github.com/packd-dev/packd/internal/errors"
	"github.com/packd-dev/packd/internal/logging"
)

func writeEntry(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestCompilation(t *testing.T, entries []string, onDispose func(string)) *Compilation {
	t.Helper()
	comp, err := New(entries, assets.NewStore(), logging.NewTestLogger(), onDispose)
	require.NoError(t, err)
	return comp
}

func TestNewRejectsRelativeEntries(t *testing.T) {
	_, err := New([]string{"relative/index.js"}, assets.NewStore(), logging.NewTestLogger(), nil)

	require.Error(t, err)
	assert.True(t, pkderrors.IsInvalidEntry(err))
}

func TestNewGeneratesHexID(t *testing.T) {
	comp := newTestCompilation(t, nil, nil)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), comp.ID())
	assert.Equal(t, StateActive, comp.State())
	assert.Equal(t, "/compilation/"+comp.ID()+"/", comp.PreviewPath())
	assert.Equal(t, "http://127.0.0.1:4000/compilation/"+comp.ID()+"/",
		comp.PreviewURL("http://127.0.0.1:4000/"))
}

func TestCompileFirstBuild(t *testing.T) {
	entry := writeEntry(t, "index.js", `export const answer = 42;`)
	store := assets.NewStore()
	comp, err := New([]string{entry}, store, logging.NewTestLogger(), nil)
	require.NoError(t, err)
	defer comp.Dispose()

	manifest, err := comp.Compile(config.BuildConfig{Target: "es2020"})
	require.NoError(t, err)
	require.NotNil(t, manifest)

	assert.Equal(t, uint64(1), manifest.Sequence)
	require.Len(t, manifest.Chunks, 1)
	assert.Equal(t, entry, manifest.Chunks[0].EntryPoint)
	assert.Contains(t, manifest.Dependencies, entry)

	require.NotEmpty(t, manifest.AssetFiles())
	name, ok := assets.AssetPath(comp.ID(), manifest.AssetFiles()[0])
	require.True(t, ok)
	data, err := store.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "42")
}

func TestCompileBuildFailure(t *testing.T) {
	entry := writeEntry(t, "broken.js", `import { oops } from "./does-not-exist";`)
	comp := newTestCompilation(t, []string{entry}, nil)
	defer comp.Dispose()

	manifest, err := comp.Compile(config.BuildConfig{})

	require.Error(t, err)
	assert.True(t, pkderrors.IsBuildError(err))
	assert.Nil(t, manifest)
	assert.Nil(t, comp.Manifest())
	assert.Equal(t, StateActive, comp.State())
}

func TestCompilePlaceholderEntry(t *testing.T) {
	comp := newTestCompilation(t, nil, nil)
	defer comp.Dispose()

	manifest, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)

	assert.Empty(t, comp.Entries())
	assert.NotEmpty(t, manifest.AssetFiles())
}

func TestCompileReplacesManifestOnRebuild(t *testing.T) {
	entry := writeEntry(t, "index.js", `export const version = "first";`)
	store := assets.NewStore()
	comp, err := New([]string{entry}, store, logging.NewTestLogger(), nil)
	require.NoError(t, err)
	defer comp.Dispose()

	first, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)

	var rebuilt *Manifest
	comp.OnRebuild(func(m *Manifest) { rebuilt = m })

	require.NoError(t, os.WriteFile(entry, []byte(`export const version = "second";`), 0o644))

	second, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Sequence)
	assert.Same(t, second, comp.Manifest())
	require.NotNil(t, rebuilt)
	assert.Equal(t, uint64(2), rebuilt.Sequence)

	name, ok := assets.AssetPath(comp.ID(), second.AssetFiles()[0])
	require.True(t, ok)
	data, err := store.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "second")
	assert.NotContains(t, string(data), "first")
}

func TestFailedRebuildKeepsManifest(t *testing.T) {
	entry := writeEntry(t, "index.js", `export const ok = true;`)
	comp := newTestCompilation(t, []string{entry}, nil)
	defer comp.Dispose()

	first, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(entry, []byte(`import { x } from "./gone";`), 0o644))

	_, err = comp.Compile(config.BuildConfig{})
	require.Error(t, err)
	assert.True(t, pkderrors.IsBuildError(err))

	assert.Same(t, first, comp.Manifest())
}

func TestRebuildSurfacesOutputFailure(t *testing.T) {
	entry := writeEntry(t, "index.js", `export const ok = true;`)
	comp := newTestCompilation(t, []string{entry}, nil)
	defer comp.Dispose()

	first, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)

	// A clean compile whose output cannot be applied (here, an
	// unparseable metafile) must not pass silently: the end-of-build
	// hook reports it, which lands it in the rebuild's error list.
	_, hookErr := comp.handleBuildEnd(&api.BuildResult{Metafile: "{not json"})

	require.Error(t, hookErr)
	assert.True(t, pkderrors.IsBuildError(hookErr))
	assert.Same(t, first, comp.Manifest())
	assert.Equal(t, uint64(1), comp.Manifest().Sequence)
}

func TestWatchRebuildsOnFileChange(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the file watcher")
	}

	entry := writeEntry(t, "index.js", `export const version = "first";`)
	store := assets.NewStore()
	comp, err := New([]string{entry}, store, logging.NewTestLogger(), nil)
	require.NoError(t, err)
	defer comp.Dispose()

	rebuilt := make(chan *Manifest, 1)
	comp.OnRebuild(func(m *Manifest) {
		select {
		case rebuilt <- m:
		default:
		}
	})

	first, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Sequence)

	// No explicit rebuild here: the watcher alone must notice the edit.
	require.NoError(t, os.WriteFile(entry, []byte(`export const version = "second";`), 0o644))

	select {
	case m := <-rebuilt:
		assert.Greater(t, m.Sequence, first.Sequence)
		name, ok := assets.AssetPath(comp.ID(), m.AssetFiles()[0])
		require.True(t, ok)
		data, err := store.ReadFile(name)
		require.NoError(t, err)
		assert.Contains(t, string(data), "second")
	case <-time.After(30 * time.Second):
		t.Fatal("watcher did not pick up the file change")
	}
}

func TestDispose(t *testing.T) {
	entry := writeEntry(t, "index.js", `export const x = 1;`)
	store := assets.NewStore()

	var notified []string
	comp, err := New([]string{entry}, store, logging.NewTestLogger(), func(id string) {
		notified = append(notified, id)
	})
	require.NoError(t, err)

	manifest, err := comp.Compile(config.BuildConfig{})
	require.NoError(t, err)

	name, ok := assets.AssetPath(comp.ID(), manifest.AssetFiles()[0])
	require.True(t, ok)
	require.True(t, store.Exists(name))

	require.NoError(t, comp.Dispose())

	assert.Equal(t, StateDisposed, comp.State())
	assert.Equal(t, []string{comp.ID()}, notified)
	assert.False(t, store.Exists(name), "disposal purges the asset namespace")

	// Second disposal fails predictably and does not re-notify.
	err = comp.Dispose()
	require.Error(t, err)
	assert.True(t, pkderrors.IsIllegalState(err))
	assert.Len(t, notified, 1)
}

func TestCompileAfterDispose(t *testing.T) {
	comp := newTestCompilation(t, nil, nil)
	require.NoError(t, comp.Dispose())

	_, err := comp.Compile(config.BuildConfig{})

	require.Error(t, err)
	assert.True(t, pkderrors.IsIllegalState(err))
}

func TestDisposeWithoutCompile(t *testing.T) {
	comp := newTestCompilation(t, nil, nil)

	require.NoError(t, comp.Dispose())
	assert.Equal(t, StateDisposed, comp.State())
}
