package server

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/mpataki/tactus/internal/workspace"
)

type workspaceInfo struct {
	Root string `json:"root"`
	Name string `json:"name"`
}

func (s *Server) handleCwd(w http.ResponseWriter, _ *http.Request) {
	cwd, err := os.Getwd()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cwd": cwd})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws := sessionFrom(r.Context()).workspace()
	writeJSON(w, http.StatusOK, workspaceInfo{Root: ws.Root, Name: ws.Name()})
}

func (s *Server) handleSetWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Root string `json:"root"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Root == "" {
		writeError(w, http.StatusBadRequest, errors.New("root is required"))
		return
	}
	ws, err := workspace.Open(req.Root)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	sess.ws = ws
	sess.docs = make(map[string]string)
	sess.mu.Unlock()

	writeJSON(w, http.StatusOK, workspaceInfo{Root: ws.Root, Name: ws.Name()})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	ws := sessionFrom(r.Context()).workspace()
	rel := r.URL.Query().Get("path")
	entries, err := ws.List(rel)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": rel, "entries": entries})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	ws := sessionFrom(r.Context()).workspace()
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	content, err := ws.Read(rel)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": rel, "content": content})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	ws := sessionFrom(r.Context()).workspace()
	if err := ws.Write(req.Path, req.Content); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": req.Path})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrOutsideRoot):
		return http.StatusForbidden
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, errNoSource):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
