package tools

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExtrasRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	memPath := filepath.Join(t.TempDir(), "state", "memory.json")
	reg := NewRegistry()
	RegisterExtras(reg, ExtraOptions{MemoryURL: memPath})
	return reg, memPath
}

func TestExtraDescriptors(t *testing.T) {
	reg, _ := newExtrasRegistry(t)
	assert.Equal(t, []string{"memory", "todos", "web_fetch"}, reg.Names())

	for _, name := range []string{"todos", "memory"} {
		tool, _ := reg.Get(name)
		assert.False(t, tool.Mutating, name)
	}
	fetch, _ := reg.Get("web_fetch")
	assert.True(t, fetch.Mutating)

	bare := NewRegistry()
	RegisterExtras(bare, ExtraOptions{})
	assert.Equal(t, []string{"todos", "web_fetch"}, bare.Names())
}

func TestTodos(t *testing.T) {
	reg, _ := newExtrasRegistry(t)

	out, err := invoke(t, reg, "todos", `{"action":"list"}`)
	require.NoError(t, err)
	assert.Equal(t, "No todos", out)

	out, err = invoke(t, reg, "todos", `{"action":"add","content":"write tests"}`)
	require.NoError(t, err)
	id := regexp.MustCompile(`\[(\w+)\]`).FindStringSubmatch(out)[1]
	_, err = invoke(t, reg, "todos", `{"action":"add","content":"ship it"}`)
	require.NoError(t, err)

	out, err = invoke(t, reg, "todos", `{"action":"list"}`)
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "write tests"), strings.Index(out, "ship it"))

	out, err = invoke(t, reg, "todos", fmt.Sprintf(`{"action":"complete","id":%q}`, id))
	require.NoError(t, err)
	assert.Equal(t, "Completed todo ["+id+"]: write tests", out)

	_, err = invoke(t, reg, "todos", fmt.Sprintf(`{"action":"complete","id":%q}`, id))
	assert.True(t, errors.Is(err, ErrToolFailure))
	_, err = invoke(t, reg, "todos", `{"action":"add"}`)
	assert.Error(t, err)
	_, err = invoke(t, reg, "todos", `{"action":"shuffle"}`)
	assert.Error(t, err)

	out, err = invoke(t, reg, "todos", `{"action":"clear"}`)
	require.NoError(t, err)
	assert.Equal(t, "Cleared 1 todos", out)
}

func TestTodosAreScopedToRegistry(t *testing.T) {
	a, _ := newExtrasRegistry(t)
	b, _ := newExtrasRegistry(t)
	_, err := invoke(t, a, "todos", `{"action":"add","content":"only in a"}`)
	require.NoError(t, err)

	out, err := invoke(t, b, "todos", `{"action":"list"}`)
	require.NoError(t, err)
	assert.Equal(t, "No todos", out)
}

func TestMemoryPersistsAcrossRegistries(t *testing.T) {
	reg, memPath := newExtrasRegistry(t)

	out, err := invoke(t, reg, "memory", `{"action":"get","key":"editor"}`)
	require.NoError(t, err)
	assert.Equal(t, "Memory not found: editor", out)

	_, err = invoke(t, reg, "memory", `{"action":"set","key":"editor","value":"vim"}`)
	require.NoError(t, err)
	_, err = invoke(t, reg, "memory", `{"action":"set","key":"style","value":"tabs"}`)
	require.NoError(t, err)
	_, err = os.Stat(memPath)
	require.NoError(t, err)

	again := NewRegistry()
	RegisterExtras(again, ExtraOptions{MemoryURL: memPath})
	out, err = invoke(t, again, "memory", `{"action":"get","key":"editor"}`)
	require.NoError(t, err)
	assert.Equal(t, "editor: vim", out)

	out, err = invoke(t, again, "memory", `{"action":"list"}`)
	require.NoError(t, err)
	assert.Equal(t, "Stored memories:\n  editor: vim\n  style: tabs", out)

	out, err = invoke(t, again, "memory", `{"action":"delete","key":"editor"}`)
	require.NoError(t, err)
	assert.Equal(t, "Deleted memory: editor", out)

	_, err = invoke(t, again, "memory", `{"action":"set","key":"k"}`)
	assert.Error(t, err)

	out, err = invoke(t, again, "memory", `{"action":"clear"}`)
	require.NoError(t, err)
	assert.Equal(t, "Cleared 1 memory entries", out)
	out, err = invoke(t, reg, "memory", `{"action":"list"}`)
	require.NoError(t, err)
	assert.Equal(t, "No memories stored", out)
}

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hello":
			_, _ = w.Write([]byte("hello there"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", fetchLimit+500)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := NewRegistry()
	RegisterExtras(reg, ExtraOptions{HTTPClient: srv.Client()})

	out, err := invoke(t, reg, "web_fetch", fmt.Sprintf(`{"url":%q}`, srv.URL+"/hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)

	out, err = invoke(t, reg, "web_fetch", fmt.Sprintf(`{"url":%q,"timeout":1}`, srv.URL+"/big"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "[content truncated]"))
	assert.Equal(t, fetchLimit, strings.Count(out, "x"))

	_, err = invoke(t, reg, "web_fetch", fmt.Sprintf(`{"url":%q}`, srv.URL+"/missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = invoke(t, reg, "web_fetch", `{"url":"file:///etc/passwd"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http:// or https://")
}
