package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/relay/tools"
)

const maxProjectDocBytes = 32 * 1024

// ProjectDocFiles are loaded from every directory between the git root and
// the working directory.
var ProjectDocFiles = []string{"AGENTS.md", "AGENT.md"}

const basePrompt = `You are an autonomous software engineering agent working in the user's workspace.

You act through tools. Prefer reading before editing: inspect files with read_file, list_dir, grep and glob before changing anything. Make the smallest change that accomplishes the task and verify it when you can.

Tool calls may be denied by the approval policy. When a call is denied, do not retry it unchanged; choose another approach or explain what you need.

Do not repeat an action that already produced the same result. If you are stuck, say so.

When the task is complete, reply with a concise summary of what you did and stop calling tools.`

// PromptInputs is everything the system prompt is assembled from.
type PromptInputs struct {
	Environment           tools.Environment
	Model                 string
	Tools                 *tools.Registry
	DeveloperInstructions string
	// Role, when set, replaces the opening of the base prompt. Subagents
	// use it for their goal prompt.
	Role string
}

// BuildSystemPrompt assembles the base instruction, the environment block,
// the available tools and the project instruction files.
func BuildSystemPrompt(in PromptInputs) string {
	var sb strings.Builder
	if in.Role != "" {
		sb.WriteString(in.Role)
		sb.WriteString("\n\n")
	}
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")

	sb.WriteString(BuildEnvironmentContext(in.Environment, in.Model))
	sb.WriteString("\n\n")

	if in.Tools != nil && in.Tools.Count() > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, def := range in.Tools.Definitions() {
			fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
		}
		sb.WriteString("\n")
	}

	if docs := DiscoverProjectDocs(in.Environment.WorkingDir()); docs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(docs)
		sb.WriteString("\n\n")
	}

	if in.DeveloperInstructions != "" {
		sb.WriteString("# Developer Instructions\n\n")
		sb.WriteString(in.DeveloperInstructions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildEnvironmentContext generates the structured environment block.
func BuildEnvironmentContext(env tools.Environment, model string) string {
	workingDir := env.WorkingDir()
	root := gitRoot(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", root != "")
	if root != "" {
		if branch := gitBranch(root); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads the instruction files found from the git root
// (or the working directory) down to the working directory, capped at 32KB.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range ProjectDocFiles {
			path := filepath.Join(dir, name)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("## %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return []string{root}
	}

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return []string{target}
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return runGit(dir, "rev-parse", "--show-toplevel")
}

func gitBranch(dir string) string {
	return runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func runGit(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
