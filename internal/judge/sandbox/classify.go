package sandbox

import (
	"strings"

	"nojudge/internal/judge/sandbox/result"
)

// Exit codes the sandbox image uses for resource limits (128 + SIGXFSZ, SIGXCPU, SIGKILL).
const (
	exitFileTooLarge = 153
	exitCPULimit     = 152
	exitKilled       = 137
)

// ClassifyExit maps a run's exit code and stderr to a verdict.
// Zero means the program ran to completion; its output is judged later.
func ClassifyExit(exitCode int, stderr string) result.Status {
	if exitCode == 0 {
		return result.StatusRunning
	}
	lower := strings.ToLower(stderr)
	timeHint := strings.Contains(lower, "time limit") || strings.Contains(lower, "timeout")

	switch {
	case exitCode == exitFileTooLarge || strings.Contains(lower, "file too large"):
		return result.StatusOLE
	case exitCode == exitCPULimit || timeHint:
		return result.StatusTLE
	case exitCode == exitKilled || strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom"):
		return result.StatusMLE
	}
	return result.StatusRE
}
