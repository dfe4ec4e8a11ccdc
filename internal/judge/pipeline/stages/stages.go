// Package stages implements the judge pipeline stages.
package stages

import (
	"context"
	"fmt"
	"regexp"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/checker"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	"nojudge/internal/judge/template"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/contextkey"
)

// Limit defaults applied after case, manifest and stage overrides.
const (
	defaultTimeLimitMs       int64 = 1000
	defaultSampleTimeLimitMs int64 = 5000
	defaultMemoryLimitKb     int64 = 262144
)

// Deps are the services the stages share.
type Deps struct {
	Runner    sandbox.Runner
	Store     storage.ObjectStorage
	Templates *template.Service
	Checker   Checker
}

// Checker decides a case with an instructor program.
type Checker interface {
	Run(ctx context.Context, submissionID, key string, lang spec.Language, in checker.Input) (checker.Result, error)
}

// All returns every stage wired to d, ready for pipeline.NewRegistry.
func All(d Deps) []pipeline.Stage {
	return []pipeline.Stage{
		NewCompile(d.Runner, d.Store, d.Templates),
		NewStaticAnalysis(d.Runner),
		NewExecute(d.Runner),
		NewCheck(d.Checker),
		NewScoring(d.Runner, d.Store),
		NewInteractive(d.Runner, d.Store),
	}
}

func configOf[T pipeline.StageConfig](cfg pipeline.StageConfig) (T, error) {
	c, ok := cfg.(T)
	if !ok {
		var zero T
		return zero, pkgerrors.Newf(pkgerrors.StageConfigInvalid, "unexpected config %T", cfg)
	}
	return c, nil
}

func withCase(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, contextkey.CaseIndex, idx)
}

func notCompiled() pipeline.StageResult {
	return pipeline.StageResult{
		Status:  result.StatusJudgeError,
		Stderr:  "program was not compiled",
		Abort:   true,
		Message: "judge system error",
	}
}

// executionStatus is the first execution failure, else AC when every case ran, else WA.
func executionStatus(cases []*pipeline.CaseResult) result.Status {
	for _, c := range cases {
		if c.Status.IsExecutionFailure() {
			return c.Status
		}
	}
	for _, c := range cases {
		if !c.Ran() {
			return result.StatusWA
		}
	}
	return result.StatusAC
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Stderr lines that reveal how the sandbox is built.
var sensitiveStderr = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/usr/local/bin/noj-sandbox`),
	regexp.MustCompile(`(?i)ulimit\s+-[a-z]`),
	regexp.MustCompile(`(?i)timeout.*--signal`),
	regexp.MustCompile(`(?i)skip_memory_limit|memory_limit_kb|cpu_limit_s|nofile_limit|nproc_limit`),
	regexp.MustCompile(`(?i)line\s+\d+:`),
	regexp.MustCompile(`(?i)\(.*ulimit.*\)`),
}

// SanitizeStderr replaces stderr that leaks sandbox internals with a terse message.
func SanitizeStderr(stderr string, status result.Status) string {
	for _, re := range sensitiveStderr {
		if re.MatchString(stderr) {
			return statusMessage(status)
		}
	}
	return stderr
}

func statusMessage(status result.Status) string {
	switch status {
	case result.StatusTLE:
		return "execution timed out"
	case result.StatusMLE:
		return "memory limit exceeded"
	case result.StatusOLE:
		return "output limit exceeded"
	case result.StatusRE:
		return "runtime error"
	}
	return "execution failed"
}

func countStatus(cases []*pipeline.CaseResult, match func(*pipeline.CaseResult) bool) int {
	n := 0
	for _, c := range cases {
		if match(c) {
			n++
		}
	}
	return n
}

func caseName(prefix string, i int) string {
	return fmt.Sprintf("%s %d", prefix, i+1)
}
