package checker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/sandboxtest"
	"nojudge/internal/judge/sandbox/spec"
	pkgerrors "nojudge/pkg/errors"
)

func writeInputs(t *testing.T, output string) Input {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{"in": "3\n", "out": output, "ans": "6\n"}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return Input{InputFile: filepath.Join(dir, "in"), OutputFile: filepath.Join(dir, "out"), AnswerFile: filepath.Join(dir, "ans")}
}

// tolerantChecker passes when output.txt equals answer.txt ignoring surrounding space.
func tolerantChecker(ctx context.Context, job *sandbox.JobContext, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
	got, _ := os.ReadFile(filepath.Join(job.SrcDir(), "output.txt"))
	want, _ := os.ReadFile(filepath.Join(job.SrcDir(), "answer.txt"))
	if strings.TrimSpace(string(got)) == strings.TrimSpace(string(want)) {
		fmt.Fprint(rs.Stdout, "ok\n")
		return sandbox.RunOutcome{}, nil
	}
	fmt.Fprint(rs.Stderr, "wrong answer\n")
	return sandbox.RunOutcome{ExitCode: 1}, nil
}

func TestRunPythonChecker(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.Put(storage.BucketCheckers, "p1/check.py", []byte("import sys"))
	runner := sandboxtest.New(t.TempDir())
	var command string
	runner.RunFn = func(ctx context.Context, job *sandbox.JobContext, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
		command = rs.Command
		return tolerantChecker(ctx, job, rs)
	}
	svc := NewService(store, runner, 0)

	res, err := svc.Run(context.Background(), "sub-1", "p1/check.py", spec.LanguagePython, writeInputs(t, "  6  \n"))
	if err != nil || !res.Passed || res.Message != "ok" {
		t.Fatalf("result = %+v err=%v", res, err)
	}
	if command != "cd /work/src && python3 main.py input.txt output.txt answer.txt" {
		t.Fatalf("command = %q", command)
	}
	if runner.Count("compile") != 0 {
		t.Fatalf("python checker must not be compiled")
	}
	if len(runner.Cleanups) != 1 || runner.Cleanups[0] != "sub-1-checker" {
		t.Fatalf("sub-job not cleaned: %v", runner.Cleanups)
	}

	res, err = svc.Run(context.Background(), "sub-1", "p1/check.py", spec.LanguagePython, writeInputs(t, "7\n"))
	if err != nil || res.Passed || res.ExitCode != 1 || res.Message != "wrong answer" {
		t.Fatalf("result = %+v err=%v", res, err)
	}
}

func TestRunCompiledChecker(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.Put(storage.BucketCheckers, "p1/check.cpp", []byte("int main(){}"))
	runner := sandboxtest.New(t.TempDir())
	runner.RunFn = tolerantChecker
	svc := NewService(store, runner, 0)

	res, err := svc.Run(context.Background(), "sub-2", "p1/check.cpp", spec.LanguageCPP, writeInputs(t, "6\n"))
	if err != nil || !res.Passed {
		t.Fatalf("result = %+v err=%v", res, err)
	}
	if runner.Count("compile sub-2-checker") != 1 {
		t.Fatalf("calls = %v", runner.Calls())
	}

	runner.CompileFn = func(*sandbox.JobContext, spec.Language, sandbox.CompileOptions, bool) (result.CompileResult, error) {
		return result.CompileResult{Status: result.StatusCE, Log: "error"}, nil
	}
	if _, err := svc.Run(context.Background(), "sub-2", "p1/check.cpp", spec.LanguageCPP, writeInputs(t, "6\n")); !pkgerrors.Is(err, pkgerrors.CheckerFailure) {
		t.Fatalf("expected CheckerFailure, got %v", err)
	}
}

func TestRunMissingChecker(t *testing.T) {
	svc := NewService(storage.NewMemoryStorage(), sandboxtest.New(t.TempDir()), 0)
	if _, err := svc.Run(context.Background(), "sub-3", "nope", spec.LanguagePython, Input{}); !pkgerrors.Is(err, pkgerrors.CheckerFailure) {
		t.Fatalf("expected CheckerFailure, got %v", err)
	}
}

func TestCommand(t *testing.T) {
	java, _ := profile.Lookup(spec.LanguageJava)
	if got := Command(java); got != "cd /work/src && java -cp /work/build Main input.txt output.txt answer.txt" {
		t.Fatalf("java = %q", got)
	}
	c, _ := profile.Lookup(spec.LanguageC)
	if got := Command(c); got != "cd /work/src && /work/build/main input.txt output.txt answer.txt" {
		t.Fatalf("c = %q", got)
	}
}
