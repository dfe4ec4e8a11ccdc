// Package result defines judge verdicts and sandbox execution results.
package result

// Status is the verdict vocabulary shared by the sandbox, the pipeline and persistence.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusAC         Status = "AC"
	StatusPA         Status = "PA"
	StatusWA         Status = "WA"
	StatusCE         Status = "CE"
	StatusTLE        Status = "TLE"
	StatusMLE        Status = "MLE"
	StatusRE         Status = "RE"
	StatusOLE        Status = "OLE"
	StatusSA         Status = "SA"
	StatusJudgeError Status = "JUDGE_ERROR"
)

// IsExecutionFailure reports whether a case ended before its output could be judged.
// Cases in this state are never re-evaluated by output comparison.
func (s Status) IsExecutionFailure() bool {
	switch s {
	case StatusTLE, StatusMLE, StatusRE, StatusOLE, StatusCE, StatusJudgeError:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final verdict.
func (s Status) IsTerminal() bool {
	return s != StatusPending && s != StatusRunning && s != ""
}

// severity orders failing verdicts; higher is more severe.
var severity = map[Status]int{
	StatusJudgeError: 6,
	StatusTLE:        5,
	StatusMLE:        4,
	StatusRE:         3,
	StatusOLE:        2,
	StatusWA:         1,
}

// Severity returns the rank of s among failing verdicts, 0 for anything else.
func (s Status) Severity() int {
	return severity[s]
}

// MostSevere returns the most severe failing status in statuses, or WA when none rank.
func MostSevere(statuses []Status) Status {
	worst := StatusWA
	for _, st := range statuses {
		if st.Severity() > worst.Severity() {
			worst = st
		}
	}
	return worst
}

// CompileResult is the outcome of a compile or compile-make invocation.
// Status is RUNNING when the build succeeded and CE otherwise.
type CompileResult struct {
	Status Status
	Log    string
}

// CaseResult is the raw outcome of one test case run.
// Status is RUNNING when the program exited normally; correctness is judged later.
type CaseResult struct {
	Status   Status
	TimeMs   int64
	MemoryKb *int64
	Stdout   string
	Stderr   string
}

// ScriptResult is the outcome of an isolated helper script.
type ScriptResult struct {
	Output   string
	Stderr   string
	ExitCode int
}

// LintResult carries the structured linter report, usually JSON.
type LintResult struct {
	Output string
}
