package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPruneCharsHeadTail(t *testing.T) {
	out := strings.Repeat("a", 50) + strings.Repeat("b", 100) + strings.Repeat("c", 50)
	pruned := PruneChars(out, 100, PruneHeadTail)

	assert.True(t, strings.HasPrefix(pruned, strings.Repeat("a", 50)))
	assert.True(t, strings.HasSuffix(pruned, strings.Repeat("c", 50)))
	assert.Contains(t, pruned, "100 characters removed from the middle")
	assert.NotContains(t, pruned, "bb")
}

func TestPruneCharsTail(t *testing.T) {
	pruned := PruneChars("0123456789", 4, PruneTail)
	assert.True(t, strings.HasSuffix(pruned, "6789"))
	assert.Contains(t, pruned, "first 6 characters removed")
}

func TestPruneUnderLimitIsUnchanged(t *testing.T) {
	assert.Equal(t, "short", PruneChars("short", 100, PruneHeadTail))
	assert.Equal(t, "a\nb", PruneLines("a\nb", 5))
}

func TestPruneLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	pruned := PruneLines(strings.Join(lines, "\n"), 4)
	assert.Equal(t, "a\nb\n[... 6 lines omitted ...]\ni\nj", pruned)
}

func TestPrunerPerTool(t *testing.T) {
	p := DefaultPruner()
	big := strings.Repeat("x", 40000)

	assert.Equal(t, big, p.Prune("read_file", big), "read_file allows 50000 characters")
	assert.Less(t, len(p.Prune("shell", big)), len(big))
	assert.Less(t, len(p.Prune("unknown_tool", big)), len(big))

	many := strings.Repeat("line\n", 1000)
	assert.Contains(t, p.Prune("shell", many), "lines omitted")
	assert.Equal(t, many, p.Prune("read_file", many))
}

func TestPrunerKeepsHeadAndTailOfSearchOutput(t *testing.T) {
	p := DefaultPruner()
	out := "HEAD-MARKER\n" + strings.Repeat("x", 30000) + "\nTAIL-MARKER"
	for _, tool := range []string{"grep", "glob", "edit_file", "write_file"} {
		pruned := p.Prune(tool, out)
		assert.True(t, strings.HasPrefix(pruned, "HEAD-MARKER"), tool)
		assert.True(t, strings.HasSuffix(pruned, "TAIL-MARKER"), tool)
		assert.Contains(t, pruned, "removed from the middle", tool)
	}

	p.Modes = map[string]PruneMode{"grep": PruneTail}
	pruned := p.Prune("grep", out)
	assert.NotContains(t, pruned, "HEAD-MARKER")
	assert.True(t, strings.HasSuffix(pruned, "TAIL-MARKER"))
}
