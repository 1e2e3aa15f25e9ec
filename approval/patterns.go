package approval

import (
	"regexp"
	"strings"
)

var dangerousPatterns = compile(
	// filesystem destruction
	`rm\s+(-rf?|-fr|--recursive)\s+[/~]`,
	`rm\s+-rf?\s+\*`,
	`rmdir\s+[/~]`,
	// disks
	`dd\s+if=`,
	`mkfs`,
	`fdisk`,
	`parted`,
	// system control
	`shutdown`,
	`reboot`,
	`\bhalt\b`,
	`poweroff`,
	`\binit\s+[06]`,
	// privilege and ownership
	`\bsudo\s`,
	`\bsu\s+-`,
	`chmod\s+(-R\s+)?777\s+[/~]`,
	`chown\s+-R\s+.*\s+[/~]`,
	// listening sockets
	`\bnc\s+-l`,
	`netcat\s+-l`,
	// remote code
	`curl\s+.*\|\s*(bash|sh)`,
	`wget\s+.*\|\s*(bash|sh)`,
	// fork bomb
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;`,
)

var safePatterns = compile(
	`^(ls|dir|pwd|cd|echo|cat|head|tail|less|more|wc)(\s|$)`,
	`^(locate|which|whereis|file|stat)(\s|$)`,
	`^git\s+(status|log|diff|show|remote)(\s|$)`,
	`^(npm|yarn|pnpm)\s+(list|ls|outdated)(\s|$)`,
	`^pip\s+(list|show|freeze)(\s|$)`,
	`^go\s+(version|env|list|vet)(\s|$)`,
	`^cargo\s+(tree|search)(\s|$)`,
	`^(grep|rg|cut|sort|uniq|tr|diff|comm)(\s|$)`,
	`^(date|cal|uptime|whoami|id|groups|hostname|uname)(\s|$)`,
	`^(env|printenv)$`,
	`^(ps|pgrep)(\s|$)`,
)

// unsafeArgs are arguments that let an otherwise read-only command write
// files or run other programs.
var unsafeArgs = compile(
	`(^|\s)--output(=|\s|$)`,
	`^sort\s(.*\s)?-[a-z]*o`,
	`^git\s+remote\s+(add|remove|rm|rename|set-url|prune)`,
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// DangerousMatch returns the first dangerous pattern matching command.
func DangerousMatch(command string) (string, bool) {
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return re.String()[len(`(?i)`):], true
		}
	}
	return "", false
}

// IsSafeCommand reports whether command is a known read-only command. A
// command chained with ;, &&, || or a pipe into anything but another safe
// command is not safe, nor is one that redirects output, spans lines or
// starts a background job.
func IsSafeCommand(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, ">`\n\r") || strings.Contains(command, "$(") {
		return false
	}
	if strings.Contains(strings.ReplaceAll(command, "&&", ""), "&") {
		return false
	}
	for _, part := range splitChain(command) {
		part = strings.TrimSpace(part)
		if !matchesAny(safePatterns, part) || matchesAny(unsafeArgs, part) {
			return false
		}
	}
	return true
}

var chainSplitter = regexp.MustCompile(`\|\||&&|;|\|`)

func splitChain(command string) []string {
	return chainSplitter.Split(command, -1)
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
