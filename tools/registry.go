package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/martinemde/relay/llm"
)

var (
	// ErrUnknownTool is returned when a name is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolFailure wraps every error returned by an invoker.
	ErrToolFailure = errors.New("tool failure")
)

// Invoker runs a tool with its raw JSON arguments.
type Invoker func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor is the capability metadata of a tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	// Mutating tools change the workspace or the outside world.
	Mutating bool
	// ParallelSafe tools may run concurrently with other parallel-safe tools.
	ParallelSafe bool
	// PathArgs lists the argument keys that hold filesystem paths.
	PathArgs []string
	// CommandArg is the argument key holding a shell command, if any.
	CommandArg string
	// Interruptible tools observe cancellation of the run. Other tools run
	// to completion once started.
	Interruptible bool
}

// Definition returns the provider-facing description of the tool.
func (d Descriptor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Tool pairs a descriptor with its invoker.
type Tool struct {
	Descriptor
	Invoke Invoker
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &tool
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions sorted by name so requests are stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Subset returns a new registry holding only the named tools. Unknown names
// are ignored.
func (r *Registry) Subset(names ...string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			cloned := *t
			sub.tools[name] = &cloned
		}
	}
	return sub
}

// Clone returns a copy of the registry.
func (r *Registry) Clone() *Registry {
	return r.Subset(r.Names()...)
}

// Invoke runs the named tool. Invoker errors are wrapped with ErrToolFailure;
// the original error stays reachable through errors.As.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", errors.Wrapf(ErrUnknownTool, "%q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	out, err := t.Invoke(ctx, args)
	if err != nil {
		return out, &failure{tool: name, err: err, output: out}
	}
	return out, nil
}

type failure struct {
	tool   string
	err    error
	output string
}

func (f *failure) Error() string { return f.tool + ": " + f.err.Error() }

func (f *failure) Unwrap() error { return f.err }

func (f *failure) Is(target error) bool { return target == ErrToolFailure }

// FormatError renders a tool failure as the model sees it. When the tool
// produced output before failing, the output follows the message.
func FormatError(err error) string {
	msg := err.Error()
	output := ""
	var f *failure
	if errors.As(err, &f) {
		msg = f.err.Error()
		output = f.output
	}
	if output == "" {
		return "Error: " + msg
	}
	return "Error: " + msg + "\n\nOutput:\n" + output
}
