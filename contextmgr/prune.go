package contextmgr

import (
	"fmt"
	"strings"
)

// PruneMode selects which part of an oversized output survives.
type PruneMode string

const (
	PruneHeadTail PruneMode = "head_tail"
	PruneTail     PruneMode = "tail"
)

// DefaultToolCharLimits are per-tool output limits in characters.
var DefaultToolCharLimits = map[string]int{
	"read_file":  50000,
	"shell":      30000,
	"grep":       20000,
	"glob":       20000,
	"list_dir":   20000,
	"edit_file":  10000,
	"write_file": 1000,
}

// DefaultToolLineLimits are applied after character pruning.
var DefaultToolLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

// PruneChars shortens output to at most maxChars plus an elision marker.
func PruneChars(output string, maxChars int, mode PruneMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == PruneTail {
		return fmt.Sprintf("[output truncated: first %d characters removed]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle. "+
			"Re-run the tool with narrower parameters to see specific parts.]\n\n", removed) +
		output[len(output)-(maxChars-half):]
}

// PruneLines keeps the first and last lines of output within maxLines.
func PruneLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// Pruner applies per-tool character and line limits to tool output. Tools
// keep head and tail unless Modes selects otherwise.
type Pruner struct {
	DefaultLimit int
	CharLimits   map[string]int
	LineLimits   map[string]int
	Modes        map[string]PruneMode
}

func DefaultPruner() Pruner {
	return Pruner{DefaultLimit: 30000, CharLimits: DefaultToolCharLimits, LineLimits: DefaultToolLineLimits}
}

// Prune returns output unchanged when it is within the limits of tool.
func (p Pruner) Prune(tool, output string) string {
	limit, ok := p.CharLimits[tool]
	if !ok {
		limit = p.DefaultLimit
	}
	mode, ok := p.Modes[tool]
	if !ok {
		mode = PruneHeadTail
	}
	result := PruneChars(output, limit, mode)
	if lines, ok := p.LineLimits[tool]; ok {
		result = PruneLines(result, lines)
	}
	return result
}
