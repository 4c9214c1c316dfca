package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
)

var errNoSource = errors.New("path or content is required")

type diagnostic struct {
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	_, res := s.rt.Validate(req.Content)
	diags := make([]diagnostic, 0, len(res.Errors)+len(res.Warnings))
	for _, e := range append(append([]*spec.ConfigError{}, res.Errors...), res.Warnings...) {
		diags = append(diags, diagnostic{
			Message:  e.Error(),
			Line:     e.Line,
			Column:   e.Column,
			Severity: string(e.Severity),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": res.Valid(), "errors": diags})
}

type runRequest struct {
	Path    string         `json:"path"`
	Content string         `json:"content,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

type runResponse struct {
	Success    bool     `json:"success"`
	Result     any      `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"tools_used"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	doc, err := s.source(r, req.Path, req.Content)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()

	res := s.rt.Execute(ctx, doc, req.Params)
	status := http.StatusOK
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, runResponse{
		Success:    res.Success,
		Result:     res.Result,
		Error:      res.Error,
		Iterations: res.Iterations,
		ToolsUsed:  res.ToolsUsed,
	})
}

// handleRunStream sends every run event as an SSE data line. The terminal
// execution event is the last one written.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	doc, err := s.source(r, r.URL.Query().Get("path"), "")
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var params map[string]any
	if raw := r.URL.Query().Get("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid params: %w", err))
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	evCh, resCh := s.rt.Stream(ctx, doc, params)
	for ev := range evCh {
		if err := writeSSE(w, ev); err != nil {
			s.log.Debug().Err(err).Msg("sse client gone")
			cancel()
			break
		}
		flusher.Flush()
	}
	// drain so the run goroutine can deliver its result
	for range evCh {
	}
	if res := <-resCh; res != nil {
		s.log.Debug().Str("run_id", res.RunID).Bool("success", res.Success).Msg("streamed run finished")
	}
}

func writeSSE(w http.ResponseWriter, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// source returns the inline content when given, else reads path from the
// session workspace.
func (s *Server) source(r *http.Request, path, content string) (string, error) {
	if content != "" {
		return content, nil
	}
	if path == "" {
		return "", errNoSource
	}
	return sessionFrom(r.Context()).workspace().Read(path)
}
