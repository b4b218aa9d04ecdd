package process

import (
	"os/exec"
	"strings"
)

// Spec describes a single launch of a server's command.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // command line; run through /bin/sh when it needs a shell
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // fully merged environment in K=V form
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, &LaunchError{Op: "build", Command: s.Command, Err: ErrEmptyCommand}
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	if _, err := exec.LookPath(parts[0]); err != nil {
		return nil, &LaunchError{Op: "resolve", Command: s.Command, Err: err}
	}
	// #nosec G204 -- executing operator-configured commands is the point
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// The substring after "-c " is kept verbatim so quoting survives.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so the shell parses the script itself
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
