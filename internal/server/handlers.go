package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/packd-dev/packd/internal/assets"
	pkderrors "github.com/packd-dev/packd/internal/errors"
	"github.com/packd-dev/packd/internal/preview"
	"github.com/packd-dev/packd/internal/registry"
)

// createRequest is the body of POST /compilation. Entry accepts either a
// single path or an array of paths.
type createRequest struct {
	Entry  entryList `json:"entry"`
	Markup string    `json:"markup,omitempty"`
}

// entryList unmarshals from a JSON string or array of strings.
type entryList []string

// UnmarshalJSON implements json.Unmarshaler.
func (e *entryList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = entryList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("entry must be a string or an array of strings")
	}
	*e = entryList(many)
	return nil
}

type createResponse struct {
	PreviewURL string `json:"previewUrl"`
}

// handleCreate serves POST /compilation: validates entries, runs the
// first build synchronously, and returns the preview URL. A failed build
// registers nothing.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Reject at the boundary, before any compiler resources exist.
	for _, entry := range req.Entry {
		if !filepath.IsAbs(entry) {
			http.Error(w, fmt.Sprintf("entry path is not absolute: %q", entry), http.StatusBadRequest)
			return
		}
	}

	record, err := s.Compile(req.Entry, preview.Options{Markup: req.Markup})
	if err != nil {
		switch {
		case pkderrors.IsInvalidEntry(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case pkderrors.IsBuildError(err):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			s.logger.Error(r.Context(), err, "creating compilation")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	// The preview URL is derived from the Host the client used, which is
	// exact even when the listener was bound to port 0.
	base := "http://" + r.Host
	resp := createResponse{PreviewURL: record.Compilation.PreviewURL(base)}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error(r.Context(), err, "encoding create response")
	}
}

// handleCompilation dispatches /compilation/{id}[/...] to the preview,
// reload, delete, or asset handlers.
func (s *Server) handleCompilation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/compilation/")
	id, asset, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Compilation ID required", http.StatusNotFound)
		return
	}

	record, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "Unknown compilation: "+id, http.StatusNotFound)
		return
	}

	switch {
	case asset == "" && r.Method == http.MethodDelete:
		s.handleDelete(w, r, record)
	case asset == "":
		s.handlePreview(w, r, record)
	case asset == reloadPath:
		s.handleReload(w, r, record)
	default:
		s.handleAsset(w, r, record, asset)
	}
}

// handlePreview renders the compilation's preview document. Before the
// first successful build there is no manifest, and the response says so
// instead of listing stale assets.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, record *registry.Record) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	comp := record.Compilation

	var manifest preview.Manifest
	status := http.StatusOK
	if m := comp.Manifest(); m != nil {
		manifest = m
	} else {
		status = http.StatusAccepted
	}

	html, err := preview.Render(comp.ID(), manifest, comp.Entries(), record.Options)
	if err != nil {
		s.logger.Error(r.Context(), err, "rendering preview", "compilation", comp.ID())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, html); err != nil {
		s.logger.Error(r.Context(), err, "writing preview", "compilation", comp.ID())
	}
}

// handleDelete disposes a compilation and removes it from the registry.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, record *registry.Record) {
	comp := record.Compilation
	if err := comp.Dispose(); err != nil {
		// A concurrent disposal won the race; the record is already gone.
		s.logger.Warn(r.Context(), err, "disposing compilation", "compilation", comp.ID())
		http.Error(w, "Compilation already disposed", http.StatusConflict)
		return
	}

	s.reload.closeCompilation(comp.ID())
	w.WriteHeader(http.StatusNoContent)
}

// handleAsset streams a built asset from the in-memory store. A path the
// build did not emit is not a hard miss: it is delegated to the handler
// mounted under this compilation's preview prefix, if any.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request, record *registry.Record, asset string) {
	comp := record.Compilation

	name, ok := assets.AssetPath(comp.ID(), asset)
	if ok && s.store.Exists(name) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.streamAsset(w, r, comp.ID(), name, asset)
		return
	}

	// Mounted handlers stay method-agnostic: a pass-through route may
	// legitimately accept POSTs.

	if handler := record.Handler(); handler != nil {
		prefix := strings.TrimSuffix(comp.PreviewPath(), "/")
		http.StripPrefix(prefix, handler).ServeHTTP(w, r)
		return
	}

	http.Error(w, "Asset not found: "+asset, http.StatusNotFound)
}

// streamAsset copies asset bytes to the response. Streaming errors are
// logged and terminate this response only.
func (s *Server) streamAsset(w http.ResponseWriter, r *http.Request, id, name, asset string) {
	file, err := s.store.Open(name)
	if err != nil {
		s.logger.Error(r.Context(), err, "opening asset", "compilation", id, "asset", asset)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	contentType := mime.TypeByExtension(path.Ext(asset))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn(r.Context(), err, "streaming asset", "compilation", id, "asset", asset)
	}
}

// handleHealth reports server liveness and the number of live
// compilations.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":       "healthy",
		"compilations": s.registry.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Error(r.Context(), err, "encoding health response")
	}
}
