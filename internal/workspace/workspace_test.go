package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := Open(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := Open(file)
	assert.Error(t, err)
	_, err = Open(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	ws, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), ws.Name())
}

func TestResolveRejectsTraversal(t *testing.T) {
	ws := newWorkspace(t)

	for _, rel := range []string{"../x", "a/../../x", "/../../etc/passwd"} {
		_, err := ws.Resolve(rel)
		assert.ErrorIs(t, err, ErrOutsideRoot, rel)
	}

	p, err := ws.Resolve("a/./b.yml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root, "a", "b.yml"), p)

	p, err = ws.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, ws.Root, p)
}

func TestWriteReadList(t *testing.T) {
	ws := newWorkspace(t)

	require.NoError(t, ws.Write("procs/hello.tac.yml", "name: hello\n"))
	require.NoError(t, ws.Write("Zeta.yml", "z"))
	require.NoError(t, ws.Write("alpha.txt", "a"))
	require.NoError(t, os.Mkdir(filepath.Join(ws.Root, "Bdir"), 0755))

	content, err := ws.Read("procs/hello.tac.yml")
	require.NoError(t, err)
	assert.Equal(t, "name: hello\n", content)

	entries, err := ws.List("")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Bdir", "procs", "alpha.txt", "Zeta.yml"}, names)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "txt", entries[2].Extension)
	assert.Equal(t, "Zeta.yml", entries[3].Path)

	sub, err := ws.List("procs")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "procs/hello.tac.yml", sub[0].Path)
	assert.Equal(t, "yml", sub[0].Extension)

	assert.ErrorIs(t, ws.Write("../escape.txt", "x"), ErrOutsideRoot)
	assert.Error(t, ws.Write("", "x"))
}

func TestStorageDir(t *testing.T) {
	ws := &Workspace{Root: "/work"}
	assert.Equal(t, filepath.Join("/work", ".tactus", "storage"), ws.StorageDir())
}
