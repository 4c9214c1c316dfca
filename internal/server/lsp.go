package server

import (
	"encoding/json"
	"net/http"

	"github.com/mpataki/tactus/internal/spec"
)

const (
	rpcMethodNotFound = -32601
	rpcParseError     = -32700

	lspSeverityError   = 1
	lspSeverityWarning = 2
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleLSP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: rpcParseError, Message: err.Error()},
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"capabilities": map[string]any{
				"textDocumentSync": 1, // full document sync
			},
			"serverInfo": map[string]string{"name": "tactus-lsp"},
		}
	default:
		resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
	writeJSON(w, http.StatusOK, resp)
}

type textDocumentParams struct {
	TextDocument struct {
		URI  string `json:"uri"`
		Text string `json:"text"`
	} `json:"textDocument"`
	ContentChanges []struct {
		Text string `json:"text"`
	} `json:"contentChanges"`
}

type lspPosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type lspDiagnostic struct {
	Range struct {
		Start lspPosition `json:"start"`
		End   lspPosition `json:"end"`
	} `json:"range"`
	Severity int    `json:"severity"`
	Source   string `json:"source"`
	Message  string `json:"message"`
}

// handleLSPNotification answers document notifications with the diagnostics
// the editor should publish.
func (s *Server) handleLSPNotification(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var params textDocumentParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	uri := params.TextDocument.URI
	sess := sessionFrom(r.Context())

	switch req.Method {
	case "textDocument/didOpen", "textDocument/didChange":
		text := params.TextDocument.Text
		if n := len(params.ContentChanges); n > 0 {
			text = params.ContentChanges[n-1].Text
		}
		sess.mu.Lock()
		sess.docs[uri] = text
		sess.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"method": "textDocument/publishDiagnostics",
			"params": map[string]any{"uri": uri, "diagnostics": s.diagnostics(text)},
		})
	case "textDocument/didClose":
		sess.mu.Lock()
		delete(sess.docs, uri)
		sess.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{})
	default:
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

func (s *Server) diagnostics(text string) []lspDiagnostic {
	_, res := s.rt.Validate(text)
	out := make([]lspDiagnostic, 0, len(res.Errors)+len(res.Warnings))
	add := func(e *spec.ConfigError, severity int) {
		var d lspDiagnostic
		line, col := max(e.Line-1, 0), max(e.Column-1, 0)
		d.Range.Start = lspPosition{Line: line, Character: col}
		d.Range.End = lspPosition{Line: line, Character: col + 1}
		d.Severity = severity
		d.Source = "tactus"
		d.Message = e.Message
		if e.Field != "" {
			d.Message = e.Field + ": " + e.Message
		}
		out = append(out, d)
	}
	for _, e := range res.Errors {
		add(e, lspSeverityError)
	}
	for _, e := range res.Warnings {
		add(e, lspSeverityWarning)
	}
	return out
}
