package compilation

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Chunk describes one output chunk: its primary emitted file, the source
// entry point that produced it (empty for shared chunks and source maps
// folded into another chunk), and every file emitted for it.
type Chunk struct {
	Name       string   `json:"name"`
	EntryPoint string   `json:"entryPoint,omitempty"`
	Files      []string `json:"files"`
}

// Manifest describes the output of one successful build: emitted asset
// files grouped by chunk plus the resolved dependency graph of the entry
// modules. A manifest is immutable once built; each successful incremental
// build produces a fresh one that replaces its predecessor wholesale.
type Manifest struct {
	// Sequence is the build's ordinal within its compilation, starting
	// at 1 for the first successful build.
	Sequence uint64 `json:"sequence"`
	// Chunks groups emitted files by output chunk.
	Chunks []Chunk `json:"chunks"`
	// Dependencies is the sorted set of absolute source paths that feed
	// the entry chunks.
	Dependencies []string `json:"dependencies"`
}

// AssetFiles returns every emitted file name (relative to the
// compilation's dist namespace) in stable order.
func (m *Manifest) AssetFiles() []string {
	var files []string
	for _, chunk := range m.Chunks {
		files = append(files, chunk.Files...)
	}
	return files
}

// metafile mirrors the slice of esbuild's metafile JSON we consume.
type metafile struct {
	Outputs map[string]metaOutput `json:"outputs"`
}

type metaOutput struct {
	EntryPoint string                     `json:"entryPoint"`
	Inputs     map[string]json.RawMessage `json:"inputs"`
	CSSBundle  string                     `json:"cssBundle"`
}

// parseManifest builds a Manifest from esbuild's metafile. Output keys in
// the metafile are paths under the compilation's virtual outdir, which
// always ends in "/dist"; file names are taken relative to that.
func parseManifest(metaJSON string, seq uint64) (*Manifest, error) {
	var meta metafile
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("parsing build metafile: %w", err)
	}

	manifest := &Manifest{Sequence: seq}

	claimed := make(map[string]bool)
	depSet := make(map[string]bool)

	keys := make([]string, 0, len(meta.Outputs))
	for key := range meta.Outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Entry chunks first: each claims its own file, its CSS bundle, and
	// its source map when present.
	for _, key := range keys {
		out := meta.Outputs[key]
		if out.EntryPoint == "" {
			continue
		}

		entryPoint := out.EntryPoint
		if !strings.HasPrefix(entryPoint, "<") {
			entryPoint = absolutize(entryPoint)
		}

		rel := distRelative(key)
		chunk := Chunk{
			Name:       rel,
			EntryPoint: entryPoint,
			Files:      []string{rel},
		}

		claimed[key] = true
		if _, ok := meta.Outputs[key+".map"]; ok {
			chunk.Files = append(chunk.Files, rel+".map")
			claimed[key+".map"] = true
		}
		if out.CSSBundle != "" {
			chunk.Files = append(chunk.Files, distRelative(out.CSSBundle))
			claimed[out.CSSBundle] = true
			if _, ok := meta.Outputs[out.CSSBundle+".map"]; ok {
				chunk.Files = append(chunk.Files, distRelative(out.CSSBundle)+".map")
				claimed[out.CSSBundle+".map"] = true
			}
		}

		for input := range out.Inputs {
			if input == "<stdin>" || strings.HasPrefix(input, "<") {
				continue
			}
			depSet[absolutize(input)] = true
		}

		manifest.Chunks = append(manifest.Chunks, chunk)
	}

	// Remaining outputs are shared chunks split out by the bundler.
	for _, key := range keys {
		if claimed[key] || strings.HasSuffix(key, ".map") {
			continue
		}

		rel := distRelative(key)
		chunk := Chunk{Name: rel, Files: []string{rel}}
		if _, ok := meta.Outputs[key+".map"]; ok {
			chunk.Files = append(chunk.Files, rel+".map")
		}
		manifest.Chunks = append(manifest.Chunks, chunk)
	}

	for dep := range depSet {
		manifest.Dependencies = append(manifest.Dependencies, dep)
	}
	sort.Strings(manifest.Dependencies)

	return manifest, nil
}

// distRelative strips everything up to and including the "/dist/" segment
// of a metafile output key.
func distRelative(key string) string {
	key = filepath.ToSlash(key)
	if idx := strings.Index(key, "/dist/"); idx >= 0 {
		return key[idx+len("/dist/"):]
	}
	return strings.TrimPrefix(key, "/")
}

// absolutize normalizes a metafile source path. Metafile inputs are
// relative to the process working directory unless already absolute.
func absolutize(p string) string {
	p = filepath.ToSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(abs)
}
