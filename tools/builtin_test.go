package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := NewRegistry()
	RegisterBuiltins(reg, NewLocalEnvironment(dir), ShellOptions{DefaultTimeout: 10 * time.Second, MaxTimeout: 20 * time.Second})
	return reg, dir
}

func invoke(t *testing.T, reg *Registry, name string, args string) (string, error) {
	t.Helper()
	return reg.Invoke(context.Background(), name, json.RawMessage(args))
}

func TestBuiltinDescriptors(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.Equal(t, []string{"edit_file", "glob", "grep", "list_dir", "read_file", "shell", "write_file"}, reg.Names())

	for _, name := range ReadOnlyTools {
		tool, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.False(t, tool.Mutating, name)
		assert.True(t, tool.ParallelSafe, name)
	}
	for _, name := range []string{"write_file", "edit_file", "shell"} {
		tool, _ := reg.Get(name)
		assert.True(t, tool.Mutating, name)
		assert.False(t, tool.ParallelSafe, name)
	}
	shell, _ := reg.Get("shell")
	assert.Equal(t, "command", shell.CommandArg)
}

func TestListDir(t *testing.T) {
	reg, dir := newTestRegistry(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o644))

	out, err := invoke(t, reg, "list_dir", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "sub/\nA.txt\nb.txt", out)

	out, err = invoke(t, reg, "list_dir", `{"include_hidden":true}`)
	require.NoError(t, err)
	assert.Contains(t, out, ".hidden")

	out, err = invoke(t, reg, "list_dir", `{"path":"sub"}`)
	require.NoError(t, err)
	assert.Equal(t, "Directory is empty", out)

	_, err = invoke(t, reg, "list_dir", `{"path":"missing"}`)
	assert.True(t, errors.Is(err, ErrToolFailure))
}

func TestWriteReadEdit(t *testing.T) {
	reg, dir := newTestRegistry(t)

	_, err := invoke(t, reg, "write_file", `{"file_path":"nested/a.txt","content":"one\ntwo\ntwo\n"}`)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "nested", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\ntwo\n", string(data))

	out, err := invoke(t, reg, "read_file", `{"file_path":"nested/a.txt","offset":2,"limit":1}`)
	require.NoError(t, err)
	assert.Equal(t, "2 | two\n", out)

	_, err = invoke(t, reg, "edit_file", `{"file_path":"nested/a.txt","old_string":"two","new_string":"2"}`)
	assert.Error(t, err, "ambiguous match must fail")

	out, err = invoke(t, reg, "edit_file", `{"file_path":"nested/a.txt","old_string":"two","new_string":"2","replace_all":true}`)
	require.NoError(t, err)
	assert.Contains(t, out, "2 occurrence(s)")
	data, _ = os.ReadFile(filepath.Join(dir, "nested", "a.txt"))
	assert.Equal(t, "one\n2\n2\n", string(data))

	_, err = invoke(t, reg, "read_file", `{}`)
	assert.Error(t, err)
}

func TestShell(t *testing.T) {
	reg, dir := newTestRegistry(t)

	out, err := invoke(t, reg, "shell", `{"command":"pwd"}`)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, trimNewline(out))

	out, err = invoke(t, reg, "shell", `{"command":"echo oops; exit 3"}`)
	require.Error(t, err)
	assert.Contains(t, out, "oops")
	assert.Contains(t, FormatError(err), "exit code 3")

	_, err = invoke(t, reg, "shell", `{"command":"sleep 5","timeout_ms":100}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestShellFiltersSecrets(t *testing.T) {
	t.Setenv("RELAY_TEST_API_KEY", "secret")
	reg, _ := newTestRegistry(t)
	out, err := invoke(t, reg, "shell", `{"command":"echo \"[$RELAY_TEST_API_KEY]\""}`)
	require.NoError(t, err)
	assert.Equal(t, "[]", trimNewline(out))
}

func TestGlob(t *testing.T) {
	reg, dir := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "deep", "x.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), nil, 0o644))

	out, err := invoke(t, reg, "glob", `{"pattern":"**/*.go"}`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", filepath.Join("pkg", "deep", "x.go")}, splitLines(out))

	out, err = invoke(t, reg, "glob", `{"pattern":"*.rs"}`)
	require.NoError(t, err)
	assert.Equal(t, "No files matched the pattern.", out)
}

func TestGrep(t *testing.T) {
	reg, dir := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha\nneedle here\n"), 0o644))

	out, err := invoke(t, reg, "grep", `{"pattern":"needle"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "needle here")
	assert.Contains(t, out, "a.txt:2")

	out, err = invoke(t, reg, "grep", `{"pattern":"absent"}`)
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", out)
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
