package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/orchestrator"
	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/provider/providertest"
)

const helloDoc = `name: hello
agents:
  greeter:
    system_prompt: "Say hi"
    tools: [done]
outputs:
  greeting:
    type: string
    required: true
default_provider: stub
default_model: test-model
procedure: |
  Greeter.turn()
  return { greeting = Tool.last_call("done").args.reason }
`

// blocking answers only when its context ends.
type blocking struct{}

func (blocking) Name() string { return "slow" }

func (blocking) Complete(ctx context.Context, _ provider.Request) (*provider.Completion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	root string
	srv  *httptest.Server
}

func newFixture(t *testing.T, runTimeout time.Duration) *fixture {
	t.Helper()
	reg := provider.NewRegistry(provider.Credentials{})
	reg.Register("stub", providertest.Always("stub", providertest.Call("", "done", map[string]any{"reason": "hi"})))
	reg.Register("slow", blocking{})

	rt, err := orchestrator.New(context.Background(), orchestrator.Options{Providers: reg, Logger: zerolog.Nop()})
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.tac.yml"), []byte(helloDoc), 0644))

	s, err := New(Options{Runtime: rt, Root: root, RunTimeout: runTimeout, Logger: zerolog.Nop()})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{root: root, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, session string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "tactus-ide-backend", body["service"])
}

func TestWorkspacePerSession(t *testing.T) {
	f := newFixture(t, 0)
	other := t.TempDir()

	_, body := f.do(t, http.MethodGet, "/api/workspace", "", nil)
	assert.Equal(t, f.root, body["root"])

	resp, body := f.do(t, http.MethodPost, "/api/workspace", "alice", map[string]string{"root": other})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, filepath.Base(other), body["name"])

	_, body = f.do(t, http.MethodGet, "/api/workspace", "alice", nil)
	assert.Equal(t, other, body["root"])
	_, body = f.do(t, http.MethodGet, "/api/workspace", "bob", nil)
	assert.Equal(t, f.root, body["root"])

	resp, _ = f.do(t, http.MethodPost, "/api/workspace", "alice", map[string]string{"root": filepath.Join(other, "missing")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFileRoundTripAndTree(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.do(t, http.MethodPost, "/api/file", "", map[string]string{"path": "sub/new.tac.yml", "content": "name: x\n"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/file?path=sub/new.tac.yml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "name: x\n", body["content"])

	resp, _ = f.do(t, http.MethodGet, "/api/file?path=../../etc/passwd", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/file?path=nope.yml", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/api/tree", "", nil)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, "sub", first["name"])
	assert.Equal(t, true, first["is_dir"])
	second := entries[1].(map[string]any)
	assert.Equal(t, "hello.tac.yml", second["name"])
	assert.Equal(t, "yml", second["extension"])
}

func TestValidate(t *testing.T) {
	f := newFixture(t, 0)

	_, body := f.do(t, http.MethodPost, "/api/validate", "", map[string]string{"content": helloDoc})
	assert.Equal(t, true, body["valid"])

	broken := strings.Replace(helloDoc, "default_provider: stub", "default_provider: nowhere", 1)
	_, body = f.do(t, http.MethodPost, "/api/validate", "", map[string]string{"content": broken})
	assert.Equal(t, false, body["valid"])
	errs := body["errors"].([]any)
	require.NotEmpty(t, errs)
	first := errs[0].(map[string]any)
	assert.Equal(t, "Error", first["severity"])
	assert.Greater(t, first["line"].(float64), float64(0))
}

func TestRun(t *testing.T) {
	f := newFixture(t, 0)

	resp, body := f.do(t, http.MethodPost, "/api/run", "", map[string]string{"path": "hello.tac.yml"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"], body["error"])
	assert.Equal(t, map[string]any{"greeting": "hi"}, body["result"])
	assert.Equal(t, float64(1), body["iterations"])
	assert.Equal(t, []any{"done"}, body["tools_used"])

	resp, _ = f.do(t, http.MethodPost, "/api/run", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	slow := strings.Replace(helloDoc, "default_provider: stub", "default_provider: slow", 1)

	resp, body := f.do(t, http.MethodPost, "/api/run", "", map[string]string{"content": slow})
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestRunStream(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Get(f.srv.URL + "/api/run/stream?path=hello.tac.yml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var got []models.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		got = append(got, ev)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	assert.Equal(t, models.EventExecution, last.Type)
	assert.Equal(t, models.StageComplete, last.Stage)
}

func TestLSP(t *testing.T) {
	f := newFixture(t, 0)

	_, body := f.do(t, http.MethodPost, "/api/lsp", "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	assert.Equal(t, float64(1), body["id"])
	assert.NotNil(t, body["result"])

	_, body = f.do(t, http.MethodPost, "/api/lsp", "", map[string]any{"jsonrpc": "2.0", "id": 2, "method": "textDocument/hover"})
	assert.Equal(t, float64(-32601), body["error"].(map[string]any)["code"])

	broken := strings.Replace(helloDoc, "default_provider: stub", "default_provider: nowhere", 1)
	_, body = f.do(t, http.MethodPost, "/api/lsp/notification", "", map[string]any{
		"method": "textDocument/didOpen",
		"params": map[string]any{"textDocument": map[string]any{"uri": "file:///hello.tac.yml", "text": broken}},
	})
	assert.Equal(t, "textDocument/publishDiagnostics", body["method"])
	diags := body["params"].(map[string]any)["diagnostics"].([]any)
	require.NotEmpty(t, diags)
	d := diags[0].(map[string]any)
	assert.Equal(t, float64(1), d["severity"])
	assert.Equal(t, "tactus", d["source"])

	_, body = f.do(t, http.MethodPost, "/api/lsp/notification", "", map[string]any{
		"method": "textDocument/didChange",
		"params": map[string]any{
			"textDocument":   map[string]any{"uri": "file:///hello.tac.yml"},
			"contentChanges": []any{map[string]any{"text": helloDoc}},
		},
	})
	diags = body["params"].(map[string]any)["diagnostics"].([]any)
	assert.Empty(t, diags)

	resp, _ := f.do(t, http.MethodPost, "/api/lsp/notification", "", map[string]any{
		"method": "textDocument/didClose",
		"params": map[string]any{"textDocument": map[string]any{"uri": "file:///hello.tac.yml"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
