package webserver

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxFileBytes caps how much of a workspace file /experiment_file returns.
const maxFileBytes = 256 * 1024

var errOutsideWorkspace = errors.New("path escapes the experiment directory")

// isWithinRoot reports whether path is root or below it. Both must be clean
// absolute paths.
func isWithinRoot(root, path string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveWorkspacePath maps a slash-separated path relative to the
// experiment directory onto the filesystem.
func (srv *Server) resolveWorkspacePath(id, raw string) (root, abs string, err error) {
	root, err = filepath.Abs(srv.store.ExperimentDir(id))
	if err != nil {
		return "", "", err
	}
	abs = filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(raw, "/")))
	if !isWithinRoot(root, abs) {
		return "", "", errOutsideWorkspace
	}
	// The agent may leave symlinks behind; resolve them before serving.
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		if real, err := filepath.EvalSymlinks(abs); err == nil && !isWithinRoot(realRoot, real) {
			return "", "", errOutsideWorkspace
		}
	}
	return root, abs, nil
}

type workspaceEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type workspaceListing struct {
	Path    string           `json:"path"`
	Parent  string           `json:"parent"`
	Entries []workspaceEntry `json:"entries"`
}

func (srv *Server) handleExperimentFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	if _, ok := srv.loadExperimentOr404(w, id); !ok {
		return
	}
	root, absPath, err := srv.resolveWorkspacePath(id, r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "path not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to stat path")
		}
		return
	}
	if !info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is not a directory")
		return
	}

	dirEntries, err := os.ReadDir(absPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read directory")
		return
	}

	entries := make([]workspaceEntry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		we := workspaceEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if fi, err := entry.Info(); err == nil && !entry.IsDir() {
			we.Size = fi.Size()
		}
		entries = append(entries, we)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	rel, _ := filepath.Rel(root, absPath)
	listing := workspaceListing{Path: filepath.ToSlash(rel), Entries: entries}
	if rel != "." {
		listing.Parent = filepath.ToSlash(filepath.Dir(rel))
	}
	writeJSON(w, http.StatusOK, dataResponse{Status: statusSuccess, Data: listing})
}

type workspaceFile struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Binary    bool   `json:"binary"`
}

func (srv *Server) handleExperimentFile(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	if _, ok := srv.loadExperimentOr404(w, id); !ok {
		return
	}
	rawPath := r.URL.Query().Get("path")
	if strings.TrimSpace(rawPath) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	root, absPath, err := srv.resolveWorkspacePath(id, rawPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to open file")
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stat file")
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is a directory")
		return
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	rel, _ := filepath.Rel(root, absPath)
	out := workspaceFile{
		Path:      filepath.ToSlash(rel),
		Size:      info.Size(),
		Truncated: info.Size() > maxFileBytes,
	}
	if utf8.Valid(data) {
		out.Content = string(data)
	} else {
		out.Binary = true
	}
	writeJSON(w, http.StatusOK, dataResponse{Status: statusSuccess, Data: out})
}
