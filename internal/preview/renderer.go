// Package preview renders the per-compilation HTML document that links a
// build's entry sources and emitted assets for interactive viewing.
//
// Rendering is a pure function of the manifest, the entry list, and the
// options; the renderer holds no state and touches no network.
package preview

import (
	"fmt"
	"html/template"
	"os"
	"path"
	"strings"
)

// Options is the per-compilation rendering configuration.
type Options struct {
	// Markup is custom HTML inlined between the entry list and the asset
	// scripts. If the string names an existing file on disk, the file's
	// contents are used; otherwise the string itself is used verbatim.
	// When a literal markup string happens to coincide with an existing
	// path, the file wins.
	Markup string
}

// Manifest is the slice of a build manifest the renderer needs. Satisfied
// by *compilation.Manifest.
type Manifest interface {
	AssetFiles() []string
}

const previewTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>packd preview {{.ID}}</title>
</head>
<body>
<h1>Compilation {{.ID}}</h1>
<ul class="entries">
{{- range .Entries}}
<li><a href="vscode://file{{.}}">{{.}}</a></li>
{{- end}}
</ul>
{{.Markup}}
{{- range .Styles}}
<link rel="stylesheet" href="{{.}}">
{{- end}}
{{- range .Scripts}}
<script type="module" src="{{.}}"></script>
{{- end}}
<script>
(function () {
	var proto = location.protocol === "https:" ? "wss://" : "ws://";
	var ws = new WebSocket(proto + location.host + {{.ReloadPath}});
	ws.onmessage = function (ev) {
		var msg = JSON.parse(ev.data);
		if (msg.type === "reload") {
			location.reload();
		}
	};
})();
</script>
</body>
</html>
`

const pendingTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>packd preview {{.ID}}</title>
</head>
<body>
<h1>Compilation {{.ID}}</h1>
<p>Not built yet. Retry shortly.</p>
</body>
</html>
`

var (
	previewTmpl = template.Must(template.New("preview").Parse(previewTemplate))
	pendingTmpl = template.Must(template.New("pending").Parse(pendingTemplate))
)

type previewData struct {
	ID         string
	Entries    []string
	Markup     template.HTML
	Scripts    []string
	Styles     []string
	ReloadPath string
}

// Render produces the preview document for a compilation. A nil manifest
// yields a "not built yet" document instead of a stale or partial asset
// listing.
func Render(id string, manifest Manifest, entries []string, opts Options) (string, error) {
	var sb strings.Builder

	if manifest == nil {
		if err := pendingTmpl.Execute(&sb, previewData{ID: id}); err != nil {
			return "", fmt.Errorf("rendering pending preview: %w", err)
		}
		return sb.String(), nil
	}

	data := previewData{
		ID:         id,
		Entries:    entries,
		Markup:     template.HTML(resolveMarkup(opts.Markup)),
		ReloadPath: "/compilation/" + id + "/__reload",
	}

	for _, file := range manifest.AssetFiles() {
		switch strings.ToLower(path.Ext(file)) {
		case ".js", ".mjs":
			data.Scripts = append(data.Scripts, "/compilation/"+id+"/"+file)
		case ".css":
			data.Styles = append(data.Styles, "/compilation/"+id+"/"+file)
		}
	}

	if err := previewTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering preview: %w", err)
	}
	return sb.String(), nil
}

// resolveMarkup implements the documented path-or-literal dual
// interpretation of the markup option.
func resolveMarkup(markup string) string {
	if markup == "" {
		return ""
	}

	if info, err := os.Stat(markup); err == nil && !info.IsDir() {
		content, err := os.ReadFile(markup)
		if err == nil {
			return string(content)
		}
	}

	return markup
}
