// Package sandboxtest provides an in-process sandbox.Runner for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
)

// FakeRunner keeps job workspaces on disk and delegates container work to hooks.
// A nil hook falls back to a successful default.
type FakeRunner struct {
	Root string

	CompileFn func(job *sandbox.JobContext, lang spec.Language, opts sandbox.CompileOptions, makefile bool) (result.CompileResult, error)
	LintFn    func(job *sandbox.JobContext, lang spec.Language) (result.LintResult, error)
	ScriptFn  func(job *sandbox.JobContext, code, inputJSON string) (result.ScriptResult, error)
	CaseFn    func(job *sandbox.JobContext, lang spec.Language, input string, limits spec.Limits, idx int) result.CaseResult
	RunFn     func(ctx context.Context, job *sandbox.JobContext, rs sandbox.RunSpec) (sandbox.RunOutcome, error)
	Cleanups  []string

	mu    sync.Mutex
	calls []string
}

// New returns a runner rooted at dir.
func New(dir string) *FakeRunner {
	return &FakeRunner{Root: dir}
}

func (f *FakeRunner) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

// Calls returns the operations seen so far, e.g. "compile sub-1 CPP".
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many recorded calls start with prefix.
func (f *FakeRunner) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *FakeRunner) CreateJob(ctx context.Context, submissionID string) (*sandbox.JobContext, error) {
	f.record("create %s", submissionID)
	dir := filepath.Join(f.Root, sandbox.SafeID(submissionID))
	for _, d := range []string{"src", "build", "testdata", "out"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return nil, err
		}
	}
	return &sandbox.JobContext{SubmissionID: submissionID, Dir: dir}, nil
}

func (f *FakeRunner) WriteSource(ctx context.Context, job *sandbox.JobContext, lang spec.Language, code string) error {
	f.record("write %s %s", job.SubmissionID, lang)
	p, err := profile.Lookup(lang)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(job.SrcDir(), p.SourceFile), []byte(code), 0o644)
}

func (f *FakeRunner) Compile(ctx context.Context, job *sandbox.JobContext, lang spec.Language, opts sandbox.CompileOptions) (result.CompileResult, error) {
	f.record("compile %s %s", job.SubmissionID, lang)
	return f.compile(job, lang, opts, false)
}

func (f *FakeRunner) CompileWithMakefile(ctx context.Context, job *sandbox.JobContext, lang spec.Language, opts sandbox.CompileOptions) (result.CompileResult, error) {
	f.record("compile-make %s %s", job.SubmissionID, lang)
	return f.compile(job, lang, opts, true)
}

// compile writes the profile executable unless a hook decides otherwise.
func (f *FakeRunner) compile(job *sandbox.JobContext, lang spec.Language, opts sandbox.CompileOptions, makefile bool) (result.CompileResult, error) {
	if f.CompileFn != nil {
		return f.CompileFn(job, lang, opts, makefile)
	}
	if err := WriteExecutable(job, lang); err != nil {
		return result.CompileResult{}, err
	}
	return result.CompileResult{Status: result.StatusRunning}, nil
}

func (f *FakeRunner) Lint(ctx context.Context, job *sandbox.JobContext, lang spec.Language) (result.LintResult, error) {
	f.record("lint %s %s", job.SubmissionID, lang)
	if f.LintFn != nil {
		return f.LintFn(job, lang)
	}
	return result.LintResult{}, nil
}

func (f *FakeRunner) RunScript(ctx context.Context, job *sandbox.JobContext, code, inputJSON string) (result.ScriptResult, error) {
	f.record("script %s", job.SubmissionID)
	if f.ScriptFn != nil {
		return f.ScriptFn(job, code, inputJSON)
	}
	return result.ScriptResult{}, nil
}

func (f *FakeRunner) RunCase(ctx context.Context, job *sandbox.JobContext, lang spec.Language, input string, limits spec.Limits, idx int) result.CaseResult {
	f.record("case %s %d", job.SubmissionID, idx)
	if f.CaseFn != nil {
		return f.CaseFn(job, lang, input, limits, idx)
	}
	return result.CaseResult{Status: result.StatusRunning}
}

func (f *FakeRunner) Run(ctx context.Context, job *sandbox.JobContext, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
	f.record("run %s %s", job.SubmissionID, rs.Kind)
	if f.RunFn != nil {
		return f.RunFn(ctx, job, rs)
	}
	return sandbox.RunOutcome{}, nil
}

func (f *FakeRunner) CleanupJob(ctx context.Context, job *sandbox.JobContext) *sandbox.CleanupError {
	f.record("cleanup %s", job.SubmissionID)
	f.mu.Lock()
	f.Cleanups = append(f.Cleanups, job.SubmissionID)
	f.mu.Unlock()
	if err := os.RemoveAll(job.Dir); err != nil {
		return &sandbox.CleanupError{Dir: job.Dir, Err: err}
	}
	return nil
}

// WriteExecutable creates the build output a successful compile would leave behind.
func WriteExecutable(job *sandbox.JobContext, lang spec.Language) error {
	p, err := profile.Lookup(lang)
	if err != nil {
		return err
	}
	target := filepath.Join(job.Dir, filepath.FromSlash(p.Executable))
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte("bin"), 0o755)
}

var _ sandbox.Runner = (*FakeRunner)(nil)
