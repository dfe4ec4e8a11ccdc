// Package sandbox runs untrusted submissions inside single-use containers.
package sandbox

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
)

// Runner is the sandbox entrypoint used by pipeline stages.
//
// Every operation except CreateJob, WriteSource and CleanupJob launches exactly one
// container and removes it before returning.
type Runner interface {
	CreateJob(ctx context.Context, submissionID string) (*JobContext, error)
	WriteSource(ctx context.Context, job *JobContext, lang spec.Language, code string) error

	// Compile and CompileWithMakefile return status RUNNING on success and CE otherwise.
	// A returned error means the sandbox itself failed.
	Compile(ctx context.Context, job *JobContext, lang spec.Language, opts CompileOptions) (result.CompileResult, error)
	CompileWithMakefile(ctx context.Context, job *JobContext, lang spec.Language, opts CompileOptions) (result.CompileResult, error)

	Lint(ctx context.Context, job *JobContext, lang spec.Language) (result.LintResult, error)
	RunScript(ctx context.Context, job *JobContext, code, inputJSON string) (result.ScriptResult, error)

	// RunCase never returns an error: sandbox failures come back as JUDGE_ERROR
	// with the raw message in Stderr.
	RunCase(ctx context.Context, job *JobContext, lang spec.Language, input string, limits spec.Limits, caseIndex int) result.CaseResult

	// Run starts an arbitrary shell command in the job workspace with caller supplied streams.
	Run(ctx context.Context, job *JobContext, rs RunSpec) (RunOutcome, error)

	CleanupJob(ctx context.Context, job *JobContext) *CleanupError
}

// CompileOptions carries optional compiler arguments such as "-O2 -Wall".
type CompileOptions struct {
	CompilerFlags string
}

// JobContext is the private workspace of one submission (or one helper sub-job).
type JobContext struct {
	SubmissionID string
	Dir          string
}

func (j *JobContext) SrcDir() string      { return filepath.Join(j.Dir, "src") }
func (j *JobContext) BuildDir() string    { return filepath.Join(j.Dir, "build") }
func (j *JobContext) TestdataDir() string { return filepath.Join(j.Dir, "testdata") }
func (j *JobContext) OutDir() string      { return filepath.Join(j.Dir, "out") }

// RunSpec describes a generic one-shot container run.
type RunSpec struct {
	// Kind appears in the container name, e.g. "student" or "interactor".
	Kind string
	// Command is executed with /bin/sh -c from /work.
	Command string
	Limits  spec.Limits
	// Timeout overrides the default of time limit plus overhead.
	Timeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// RunOutcome is the raw result of Run.
type RunOutcome struct {
	ExitCode  int
	TimeMs    int64
	OOMKilled bool
}
