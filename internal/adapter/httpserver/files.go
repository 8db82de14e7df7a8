package httpserver

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// maxEditableBytes caps what the text endpoints read or write; anything
// larger belongs on the raw /api/files route.
const maxEditableBytes = 10 << 20

type workspaceEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// workspacePath resolves a caller-supplied relative path inside the node
// workspace. Escapes surface as 403 through the error mapping.
func (s *Server) workspacePath(rel string) (string, error) {
	return domain.ResolveUnder(s.Cfg.WorkspaceDir(), rel)
}

// WorkspaceListHandler lists one directory of the node workspace.
func (s *Server) WorkspaceListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := r.URL.Query().Get("dir")
		if rel == "" {
			rel = "."
		}
		abs, err := s.workspacePath(rel)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				writeError(w, r, fmt.Errorf("%w: directory %s", domain.ErrNotFound, rel), nil)
				return
			}
			writeError(w, r, fmt.Errorf("workspace list: %w", err), nil)
			return
		}
		out := make([]workspaceEntry, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, workspaceEntry{
				Name:    e.Name(),
				Path:    path.Join(rel, e.Name()),
				Size:    info.Size(),
				IsDir:   e.IsDir(),
				ModTime: info.ModTime(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"dir": rel, "entries": out})
	}
}

// WorkspaceReadHandler returns one workspace file as text for the editor.
func (s *Server) WorkspaceReadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := r.URL.Query().Get("path")
		abs, err := s.workspacePath(rel)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file %s", domain.ErrNotFound, rel), nil)
			return
		}
		if st.IsDir() {
			writeError(w, r, fmt.Errorf("%w: %s is a directory", domain.ErrInvalidArgument, rel), nil)
			return
		}
		if st.Size() > maxEditableBytes {
			writeError(w, r, fmt.Errorf("%w: %s exceeds the editable size; fetch it via /api/files", domain.ErrInvalidArgument, rel), nil)
			return
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			writeError(w, r, fmt.Errorf("workspace read: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": rel, "content": string(raw)})
	}
}

type workspaceWriteRequest struct {
	Path    string `json:"path" validate:"required,max=512"`
	Content string `json:"content" validate:"max=10485760"`
}

// WorkspaceCreateHandler creates a new workspace file; an existing path is a
// conflict, never an overwrite.
func (s *Server) WorkspaceCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workspaceWriteRequest
		if err := decodeJSONMax(w, r, &req, 2*maxEditableBytes); err != nil {
			writeError(w, r, err, nil)
			return
		}
		abs, err := s.workspacePath(req.Path)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			writeError(w, r, fmt.Errorf("workspace create: %w", err), nil)
			return
		}
		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				writeError(w, r, fmt.Errorf("%w: file %s already exists", domain.ErrConflict, req.Path), nil)
				return
			}
			writeError(w, r, fmt.Errorf("workspace create: %w", err), nil)
			return
		}
		_, werr := f.WriteString(req.Content)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			writeError(w, r, fmt.Errorf("workspace create: %w", errors.Join(werr, cerr)), nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "path": req.Path})
	}
}

// WorkspaceUpdateHandler overwrites an existing workspace file.
func (s *Server) WorkspaceUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workspaceWriteRequest
		if err := decodeJSONMax(w, r, &req, 2*maxEditableBytes); err != nil {
			writeError(w, r, err, nil)
			return
		}
		abs, err := s.workspacePath(req.Path)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file %s", domain.ErrNotFound, req.Path), nil)
			return
		}
		if st.IsDir() {
			writeError(w, r, fmt.Errorf("%w: %s is a directory", domain.ErrInvalidArgument, req.Path), nil)
			return
		}
		if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
			writeError(w, r, fmt.Errorf("workspace update: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "path": req.Path})
	}
}

// FilesHandler serves a workspace file raw. Markup that a browser would
// execute is forced into a download instead of rendering inline.
func (s *Server) FilesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := r.URL.Query().Get("path")
		abs, err := s.workspacePath(rel)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file %s", domain.ErrNotFound, rel), nil)
			return
		}
		if st.IsDir() {
			writeError(w, r, fmt.Errorf("%w: %s is a directory", domain.ErrInvalidArgument, rel), nil)
			return
		}
		ctype := "application/octet-stream"
		if mt, err := mimetype.DetectFile(abs); err == nil {
			ctype = mt.String()
		}
		w.Header().Set("Content-Type", ctype)
		if browserMarkup(ctype) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(abs)))
		}
		http.ServeFile(w, r, abs)
	}
}

// browserMarkup reports content types a browser would execute scripts from.
func browserMarkup(ctype string) bool {
	return strings.HasPrefix(ctype, "text/html") ||
		strings.HasPrefix(ctype, "image/svg") ||
		strings.HasPrefix(ctype, "application/xhtml")
}
