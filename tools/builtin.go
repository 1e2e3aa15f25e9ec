package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ShellOptions bounds shell command runtime.
type ShellOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func DefaultShellOptions() ShellOptions {
	return ShellOptions{DefaultTimeout: 2 * time.Minute, MaxTimeout: 10 * time.Minute}
}

// ReadOnlyTools names the built-in tools that never mutate anything.
var ReadOnlyTools = []string{"list_dir", "read_file", "grep", "glob"}

// RegisterBuiltins registers the built-in tools bound to env.
func RegisterBuiltins(reg *Registry, env Environment, shell ShellOptions) {
	reg.Register(listDirTool(env))
	reg.Register(readFileTool(env))
	reg.Register(writeFileTool(env))
	reg.Register(editFileTool(env))
	reg.Register(shellTool(env, shell))
	reg.Register(grepTool(env))
	reg.Register(globTool(env))
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func listDirTool(env Environment) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "list_dir",
			Description: "List the contents of a directory. Directories are listed first with a trailing slash.",
			Parameters: object([]string{}, map[string]interface{}{
				"path":           prop("string", "Directory path to list. Default: working directory."),
				"include_hidden": prop("boolean", "Include entries starting with a dot. Default: false."),
			}),
			ParallelSafe: true,
			PathArgs:     []string{"path"},
		},
		Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			path, _ := args.String("path")
			if path == "" {
				path = "."
			}
			hidden, _ := args.Bool("include_hidden")
			entries, err := env.ListDir(path, hidden)
			if err != nil {
				return "", errors.Errorf("directory does not exist or is unreadable: %s", env.Resolve(path))
			}
			if len(entries) == 0 {
				return "Directory is empty", nil
			}
			lines := make([]string, len(entries))
			for i, e := range entries {
				lines[i] = e.Name
				if e.IsDir {
					lines[i] += "/"
				}
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}

func readFileTool(env Environment) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "read_file",
			Description: "Read a file from the filesystem. Returns line-numbered content.",
			Parameters: object([]string{"file_path"}, map[string]interface{}{
				"file_path": prop("string", "Path to the file to read."),
				"offset":    prop("integer", "1-based line number to start reading from."),
				"limit":     prop("integer", "Maximum number of lines to read. Default: 2000."),
			}),
			ParallelSafe: true,
			PathArgs:     []string{"file_path"},
		},
		Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			path, err := args.RequireString("file_path")
			if err != nil {
				return "", err
			}
			offset, _ := args.Int("offset")
			limit, _ := args.Int("limit")
			if limit <= 0 {
				limit = 2000
			}
			return env.ReadFile(path, offset, limit)
		},
	}
}

func writeFileTool(env Environment) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file and parent directories if needed.",
			Parameters: object([]string{"file_path", "content"}, map[string]interface{}{
				"file_path": prop("string", "Path to write to."),
				"content":   prop("string", "The full file content to write."),
			}),
			Mutating: true,
			PathArgs: []string{"file_path"},
		},
		Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			path, err := args.RequireString("file_path")
			if err != nil {
				return "", err
			}
			content, ok := args.String("content")
			if !ok {
				return "", errors.New("content is required")
			}
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool(env Environment) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name: "edit_file",
			Description: "Replace an exact string occurrence in a file. The old_string must be unique " +
				"in the file unless replace_all is true.",
			Parameters: object([]string{"file_path", "old_string", "new_string"}, map[string]interface{}{
				"file_path":   prop("string", "Path to the file to edit."),
				"old_string":  prop("string", "Exact text to find in the file."),
				"new_string":  prop("string", "Replacement text."),
				"replace_all": prop("boolean", "Replace all occurrences. Default: false."),
			}),
			Mutating: true,
			PathArgs: []string{"file_path"},
		},
		Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			path, err := args.RequireString("file_path")
			if err != nil {
				return "", err
			}
			oldString, err := args.RequireString("old_string")
			if err != nil {
				return "", err
			}
			newString, _ := args.String("new_string")
			replaceAll, _ := args.Bool("replace_all")

			content, err := env.ReadRaw(path)
			if err != nil {
				return "", errors.Errorf("file not found: %s", path)
			}
			count := strings.Count(content, oldString)
			if count == 0 {
				return "", errors.Errorf("old_string not found in %s", path)
			}
			if count > 1 && !replaceAll {
				return "", errors.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, path)
			}

			replacements := 1
			if replaceAll {
				content = strings.ReplaceAll(content, oldString, newString)
				replacements = count
			} else {
				content = strings.Replace(content, oldString, newString, 1)
			}
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replacements, path), nil
		},
	}
}

func shellTool(env Environment, opts ShellOptions) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "shell",
			Description: "Execute a shell command in the working directory. Returns stdout, stderr and the exit code.",
			Parameters: object([]string{"command"}, map[string]interface{}{
				"command":     prop("string", "The command to run."),
				"timeout_ms":  prop("integer", "Override the default command timeout in milliseconds."),
				"description": prop("string", "Short description of what this command does."),
			}),
			Mutating:   true,
			CommandArg: "command",
		},
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			command, err := args.RequireString("command")
			if err != nil {
				return "", err
			}
			timeout := opts.DefaultTimeout
			if ms, ok := args.Int("timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if opts.MaxTimeout > 0 && timeout > opts.MaxTimeout {
				timeout = opts.MaxTimeout
			}

			result, err := env.Exec(ctx, command, timeout, "", nil)
			if err != nil {
				if result != nil {
					return result.Output(), err
				}
				return "", err
			}

			output := result.Output()
			if result.TimedOut {
				return output, errors.Errorf("command timed out after %s; retry with a larger timeout_ms", timeout)
			}
			if result.ExitCode != 0 {
				return output, errors.Errorf("exit code %d", result.ExitCode)
			}
			if output == "" {
				return "(no output)", nil
			}
			return output, nil
		},
	}
}

func grepTool(env Environment) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "grep",
			Description: "Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
			Parameters: object([]string{"pattern"}, map[string]interface{}{
				"pattern":          prop("string", "Regex pattern to search for."),
				"path":             prop("string", "Directory or file to search. Default: working directory."),
				"glob_filter":      prop("string", "File pattern filter (e.g. \"*.go\")."),
				"case_insensitive": prop("boolean", "Case insensitive search. Default: false."),
				"max_results":      prop("integer", "Maximum matches per file. Default: 100."),
			}),
			ParallelSafe: true,
			PathArgs:     []string{"path"},
		},
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			pattern, err := args.RequireString("pattern")
			if err != nil {
				return "", err
			}
			path, _ := args.String("path")
			globFilter, _ := args.String("glob_filter")
			caseInsensitive, _ := args.Bool("case_insensitive")
			maxResults, _ := args.Int("max_results")
			if maxResults <= 0 {
				maxResults = 100
			}
			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(out) == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	}
}

func globTool(env Environment) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "glob",
			Description: "Find files matching a glob pattern (supports **). Returns paths sorted by modification time, newest first.",
			Parameters: object([]string{"pattern"}, map[string]interface{}{
				"pattern": prop("string", "Glob pattern (e.g. \"**/*.go\")."),
				"path":    prop("string", "Base directory. Default: working directory."),
			}),
			ParallelSafe: true,
			PathArgs:     []string{"path"},
		},
		Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			pattern, err := args.RequireString("pattern")
			if err != nil {
				return "", err
			}
			path, _ := args.String("path")
			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}
