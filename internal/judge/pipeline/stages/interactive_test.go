package stages

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
)

func interactiveFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, spec.LanguageCPP, "int main(){}")
	f.pc.Data.Compiled = true
	f.pc.SampleCases = []pipeline.SampleCase{{Input: "5\n"}}
	f.store.Put(storage.BucketProblems, "prob-1/interactor.py", []byte("import sys"))
	return f
}

var interactiveCfg = &pipeline.InteractiveConfig{InteractorKey: "prob-1/interactor.py", TimeLimitMs: 1000}

// squareInteractor reads its case from stdin, sends it to the student, reads
// one answer and accepts its square.
func squareInteractor(t *testing.T, studentFn func(ctx context.Context, rs sandbox.RunSpec) (sandbox.RunOutcome, error)) func(context.Context, *sandbox.JobContext, sandbox.RunSpec) (sandbox.RunOutcome, error) {
	return func(ctx context.Context, job *sandbox.JobContext, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
		if rs.Kind == "student" {
			return studentFn(ctx, rs)
		}
		if !strings.HasSuffix(rs.Command, "/work/src/input.txt /work/src/answer.txt") {
			t.Errorf("interactor command = %q", rs.Command)
		}
		if _, err := os.Stat(filepath.Join(job.SrcDir(), "input.txt")); err != nil {
			t.Errorf("input file missing: %v", err)
		}
		stdin := bufio.NewReader(rs.Stdin)
		first, err := stdin.ReadString('\n')
		if err != nil {
			return sandbox.RunOutcome{ExitCode: 3}, nil
		}
		n, _ := strconv.Atoi(strings.TrimSpace(first))
		fmt.Fprintf(rs.Stdout, "%d\n", n)
		line, err := stdin.ReadString('\n')
		if err != nil {
			fmt.Fprintln(rs.Stderr, "no answer")
			return sandbox.RunOutcome{ExitCode: 2}, nil
		}
		got, _ := strconv.Atoi(strings.TrimSpace(line))
		if got != n*n {
			fmt.Fprintf(rs.Stderr, "expected %d got %d", n*n, got)
			return sandbox.RunOutcome{ExitCode: 1}, nil
		}
		return sandbox.RunOutcome{ExitCode: 0}, nil
	}
}

func squaringStudent(offset int) func(ctx context.Context, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
	return func(ctx context.Context, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
		line, err := bufio.NewReader(rs.Stdin).ReadString('\n')
		if err != nil {
			return sandbox.RunOutcome{ExitCode: 1}, nil
		}
		n, _ := strconv.Atoi(strings.TrimSpace(line))
		fmt.Fprintln(rs.Stderr, "debug: /work/build/main read", n)
		fmt.Fprintf(rs.Stdout, "%d\n", n*n+offset)
		return sandbox.RunOutcome{TimeMs: 3}, nil
	}
}

func TestInteractiveAccepted(t *testing.T) {
	f := interactiveFixture(t)
	f.runner.RunFn = squareInteractor(t, squaringStudent(0))

	res, err := NewInteractive(f.runner, f.store).Execute(context.Background(), f.pc, interactiveCfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusAC || f.pc.Cases[0].Status != result.StatusAC {
		t.Fatalf("status = %s case = %+v", res.Status, f.pc.Cases[0])
	}
	if f.pc.Cases[0].Stderr != "" {
		t.Fatalf("student stderr kept: %q", f.pc.Cases[0].Stderr)
	}
	if f.runner.Count("compile ") != 0 {
		t.Fatalf("python interactor was compiled")
	}
	if len(f.runner.Cleanups) != 1 || f.runner.Cleanups[0] != "sub-1-interactor" {
		t.Fatalf("cleanups = %v", f.runner.Cleanups)
	}
}

func TestInteractiveWrongAnswer(t *testing.T) {
	f := interactiveFixture(t)
	f.runner.RunFn = squareInteractor(t, squaringStudent(1))

	res, err := NewInteractive(f.runner, f.store).Execute(context.Background(), f.pc, interactiveCfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusWA {
		t.Fatalf("status = %s", res.Status)
	}
	if msg := f.pc.Cases[0].Message; msg != "expected 25 got 26" {
		t.Fatalf("message = %q", msg)
	}
}

func TestInteractiveTimeout(t *testing.T) {
	f := interactiveFixture(t)
	f.runner.RunFn = squareInteractor(t, func(ctx context.Context, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
		// never reads or answers
		<-ctx.Done()
		return sandbox.RunOutcome{}, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := NewInteractive(f.runner, f.store).Execute(ctx, f.pc, interactiveCfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusTLE || f.pc.Cases[0].Stderr != "execution timed out" {
		t.Fatalf("status = %s case = %+v", res.Status, f.pc.Cases[0])
	}
}

func TestInteractiveMemoryLimit(t *testing.T) {
	f := interactiveFixture(t)
	f.runner.RunFn = squareInteractor(t, func(ctx context.Context, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
		return sandbox.RunOutcome{ExitCode: 137, OOMKilled: true}, nil
	})

	res, err := NewInteractive(f.runner, f.store).Execute(context.Background(), f.pc, interactiveCfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusMLE {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestInteractorCompileErrorIsJudgeError(t *testing.T) {
	f := interactiveFixture(t)
	f.store.Put(storage.BucketProblems, "prob-1/interactor.cpp", []byte("int main( {"))
	f.runner.CompileFn = func(*sandbox.JobContext, spec.Language, sandbox.CompileOptions, bool) (result.CompileResult, error) {
		return result.CompileResult{Status: result.StatusCE, Log: "error"}, nil
	}
	cfg := &pipeline.InteractiveConfig{InteractorKey: "prob-1/interactor.cpp", InteractorLanguage: "cpp"}

	res, err := NewInteractive(f.runner, f.store).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusJudgeError || !res.Abort {
		t.Fatalf("status = %s abort = %v", res.Status, res.Abort)
	}
	if f.runner.Count("run ") != 0 {
		t.Fatalf("cases ran with a broken interactor")
	}
	if len(f.runner.Cleanups) != 1 {
		t.Fatalf("interactor job not cleaned up: %v", f.runner.Cleanups)
	}
}

func TestInteractorVerdict(t *testing.T) {
	want := map[int]result.Status{0: result.StatusAC, 1: result.StatusWA, 2: result.StatusWA, 3: result.StatusJudgeError, -1: result.StatusJudgeError}
	for code, status := range want {
		if got := interactorVerdict(code); got != status {
			t.Fatalf("interactorVerdict(%d) = %s", code, got)
		}
	}
}

func TestInteractiveValidateConfig(t *testing.T) {
	s := NewInteractive(nil, nil)
	if err := s.ValidateConfig(&pipeline.InteractiveConfig{}); err == nil {
		t.Fatalf("missing interactorKey accepted")
	}
	if err := s.ValidateConfig(&pipeline.InteractiveConfig{InteractorKey: "k", InteractorLanguage: "cobol"}); err == nil {
		t.Fatalf("unknown language accepted")
	}
}

func TestInteractorReadsCaseFromStdin(t *testing.T) {
	f := interactiveFixture(t)
	f.pc.SampleCases = []pipeline.SampleCase{{Input: "7\n"}, {Input: "3\n"}}
	var seen []string
	f.runner.RunFn = func(ctx context.Context, job *sandbox.JobContext, rs sandbox.RunSpec) (sandbox.RunOutcome, error) {
		if rs.Kind == "student" {
			return squaringStudent(0)(ctx, rs)
		}
		stdin := bufio.NewReader(rs.Stdin)
		first, err := stdin.ReadString('\n')
		if err != nil {
			return sandbox.RunOutcome{ExitCode: 3}, nil
		}
		seen = append(seen, first)
		n, _ := strconv.Atoi(strings.TrimSpace(first))
		fmt.Fprintf(rs.Stdout, "%d\n", n)
		answer, _ := stdin.ReadString('\n')
		if got, _ := strconv.Atoi(strings.TrimSpace(answer)); got != n*n {
			return sandbox.RunOutcome{ExitCode: 1}, nil
		}
		return sandbox.RunOutcome{}, nil
	}

	res, err := NewInteractive(f.runner, f.store).Execute(context.Background(), f.pc, interactiveCfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusAC {
		t.Fatalf("status = %s cases = %+v", res.Status, f.pc.Cases)
	}
	if len(seen) != 2 || seen[0] != "7\n" || seen[1] != "3\n" {
		t.Fatalf("interactor stdin started with %q", seen)
	}
}
