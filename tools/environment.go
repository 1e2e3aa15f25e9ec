package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/denormal/go-gitignore"
	"github.com/pkg/errors"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// Environment abstracts where tool operations run.
type Environment interface {
	ReadFile(path string, offset, limit int) (string, error)
	ReadRaw(path string) (string, error)
	WriteFile(path string, content string) error
	ListDir(path string, includeHidden bool) ([]DirEntry, error)

	Exec(ctx context.Context, command string, timeout time.Duration, dir string, env map[string]string) (*ExecResult, error)

	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(pattern string, path string) ([]string, error)

	Resolve(path string) string
	WorkingDir() string
	Platform() string
	OSVersion() string
}

// Suffixes of environment variable names withheld from child processes.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// FilteredEnviron returns the process environment without credentials.
func FilteredEnviron() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// LocalEnvironment runs tools on the local machine, rooted at a working
// directory.
type LocalEnvironment struct {
	workingDir string
	shell      string
}

func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	shell := "/bin/sh"
	if p, err := exec.LookPath("bash"); err == nil {
		shell = p
	}
	return &LocalEnvironment{workingDir: workingDir, shell: shell}
}

func (e *LocalEnvironment) WorkingDir() string { return e.workingDir }

func (e *LocalEnvironment) Platform() string { return runtime.GOOS }

func (e *LocalEnvironment) OSVersion() string { return runtime.GOOS + "/" + runtime.GOARCH }

// Resolve makes path absolute relative to the working directory.
func (e *LocalEnvironment) Resolve(path string) string {
	if path == "" {
		return e.workingDir
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadRaw(path string) (string, error) {
	data, err := os.ReadFile(e.Resolve(path))
	if err != nil {
		return "", errors.Wrap(err, "read_file")
	}
	return string(data), nil
}

// ReadFile returns line-numbered content. offset is 1-based; limit <= 0 reads
// to the end.
func (e *LocalEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	data, err := e.ReadRaw(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(data, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

func (e *LocalEnvironment) WriteFile(path string, content string) error {
	resolved := e.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errors.Wrap(err, "write_file: create directory")
	}
	return errors.Wrap(os.WriteFile(resolved, []byte(content), 0o644), "write_file")
}

// ListDir lists a directory with directories first, then files, each group
// sorted case-insensitively.
func (e *LocalEnvironment) ListDir(path string, includeHidden bool) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.Resolve(path))
	if err != nil {
		return nil, errors.Wrap(err, "list_dir")
	}
	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		if !includeHidden && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result, nil
}

// Exec runs command through the shell in its own process group. On timeout
// or cancellation the whole group is killed.
func (e *LocalEnvironment) Exec(ctx context.Context, command string, timeout time.Duration, dir string, env map[string]string) (*ExecResult, error) {
	dir = e.Resolve(dir)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	cmd.Env = FilteredEnviron()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, errors.Wrap(ctx.Err(), "shell")
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, errors.Wrap(err, "shell")
		}
	}
	return result, nil
}

// Grep searches file contents with ripgrep, falling back to grep.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	path = e.Resolve(path)

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading", "--color=never"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--glob", options.GlobFilter)
		}
		if options.MaxResults > 0 {
			args = append(args, "--max-count", strconv.Itoa(options.MaxResults))
		}
		args = append(args, "--", pattern, path)
		cmd = exec.CommandContext(ctx, rg, args...)
	} else {
		args := []string{"-rnE"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--include="+options.GlobFilter)
		}
		if options.MaxResults > 0 {
			args = append(args, "-m", strconv.Itoa(options.MaxResults))
		}
		args = append(args, "--", pattern, path)
		cmd = exec.CommandContext(ctx, "grep", args...)
	}
	cmd.Dir = e.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means no matches for both rg and grep.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		if stderr.Len() > 0 {
			return "", errors.Errorf("grep: %s", strings.TrimSpace(stderr.String()))
		}
		return "", errors.Wrap(err, "grep")
	}
	return e.relativize(stdout.String()), nil
}

func (e *LocalEnvironment) relativize(out string) string {
	return strings.ReplaceAll(out, e.workingDir+string(filepath.Separator), "")
}

// Glob matches pattern (with ** support) under path. Matches are files only,
// newest first, relative to the working directory when possible. Paths
// ignored by a .gitignore at the search root are skipped.
func (e *LocalEnvironment) Glob(pattern string, path string) ([]string, error) {
	base := e.Resolve(path)
	if filepath.IsAbs(pattern) {
		base, pattern = doublestar.SplitPattern(filepath.ToSlash(pattern))
	}

	matches, err := doublestar.Glob(os.DirFS(base), pattern)
	if err != nil {
		return nil, errors.Wrap(err, "glob")
	}

	var ignore gitignore.GitIgnore
	if _, err := os.Stat(filepath.Join(base, ".gitignore")); err == nil {
		ignore, _ = gitignore.NewFromFile(filepath.Join(base, ".gitignore"))
	}

	type found struct {
		path    string
		modTime time.Time
	}
	var files []found
	for _, m := range matches {
		full := filepath.Join(base, filepath.FromSlash(m))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		if ignore != nil {
			if match := ignore.Match(full); match != nil && match.Ignore() {
				continue
			}
		}
		files = append(files, found{path: full, modTime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	result := make([]string, len(files))
	for i, f := range files {
		rel, err := filepath.Rel(e.workingDir, f.path)
		if err != nil || strings.HasPrefix(rel, "..") {
			result[i] = f.path
		} else {
			result[i] = rel
		}
	}
	return result, nil
}

var _ Environment = (*LocalEnvironment)(nil)
