// Package checker runs instructor supplied output checkers in the sandbox.
package checker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one checker run.
	DefaultTimeout = 10 * time.Second

	checkerMemoryKb = 512 * 1024
	// Checker arguments are fixed names inside the sub-job src directory.
	inputName  = "input.txt"
	outputName = "output.txt"
	answerName = "answer.txt"
)

// Input names the three host files handed to a checker.
type Input struct {
	InputFile  string
	OutputFile string
	AnswerFile string
}

// Result is a checker verdict. Passed means exit code 0.
type Result struct {
	Passed   bool
	Message  string
	ExitCode int
}

// Service downloads checkers from the checkers bucket and runs them in isolated sub-jobs.
type Service struct {
	store   storage.ObjectStorage
	runner  sandbox.Runner
	timeout time.Duration
}

// NewService creates a checker service; timeout <= 0 uses DefaultTimeout.
func NewService(store storage.ObjectStorage, runner sandbox.Runner, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{store: store, runner: runner, timeout: timeout}
}

// Run checks one case. Errors mean the checker could not produce a verdict.
func (s *Service) Run(ctx context.Context, submissionID, key string, lang spec.Language, in Input) (Result, error) {
	if key == "" {
		return Result{}, pkgerrors.New(pkgerrors.CheckerFailure).WithMessage("checker key is required")
	}
	if lang == "" {
		lang = spec.LanguagePython
	}
	p, err := profile.Lookup(lang)
	if err != nil {
		return Result{}, pkgerrors.Wrap(err, pkgerrors.CheckerFailure)
	}

	code, err := storage.ReadString(ctx, s.store, storage.BucketCheckers, key)
	if err != nil {
		return Result{}, pkgerrors.Wrapf(err, pkgerrors.CheckerFailure, "load checker %s", key)
	}

	job, err := s.runner.CreateJob(ctx, submissionID+"-checker")
	if err != nil {
		return Result{}, pkgerrors.Wrapf(err, pkgerrors.CheckerFailure, "create checker job")
	}
	defer s.runner.CleanupJob(ctx, job)

	if err := s.runner.WriteSource(ctx, job, lang, code); err != nil {
		return Result{}, pkgerrors.Wrapf(err, pkgerrors.CheckerFailure, "write checker")
	}
	for name, src := range map[string]string{inputName: in.InputFile, outputName: in.OutputFile, answerName: in.AnswerFile} {
		if err := copyFile(src, filepath.Join(job.SrcDir(), name)); err != nil {
			return Result{}, pkgerrors.Wrapf(err, pkgerrors.CheckerFailure, "stage %s", name)
		}
	}

	if profile.NeedsCompile(lang) {
		cr, err := s.runner.Compile(ctx, job, lang, sandbox.CompileOptions{})
		if err != nil {
			return Result{}, pkgerrors.Wrapf(err, pkgerrors.CheckerFailure, "compile checker")
		}
		if cr.Status == result.StatusCE {
			return Result{}, pkgerrors.New(pkgerrors.CheckerFailure).WithMessage("checker failed to compile").WithDetail("log", cr.Log)
		}
	}

	var stdout, stderr bytes.Buffer
	out, err := s.runner.Run(ctx, job, sandbox.RunSpec{
		Kind:    "checker",
		Command: Command(p),
		Limits:  spec.Limits{TimeLimitMs: s.timeout.Milliseconds(), MemoryLimitKb: checkerMemoryKb},
		Timeout: s.timeout,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		return Result{}, pkgerrors.Wrapf(err, pkgerrors.CheckerFailure, "run checker %s", key)
	}

	msg := strings.TrimSpace(stdout.String())
	if msg == "" {
		msg = strings.TrimSpace(stderr.String())
	}
	logger.Debug(ctx, "checker finished", zap.String("checker", key), zap.Int("exit_code", out.ExitCode))
	return Result{Passed: out.ExitCode == 0, Message: msg, ExitCode: out.ExitCode}, nil
}

// Command is the shell command that invokes a built checker from its sub-job.
func Command(p profile.LanguageProfile) string {
	args := " " + inputName + " " + outputName + " " + answerName
	switch p.Language {
	case spec.LanguagePython:
		return "cd /work/src && python3 " + p.SourceFile + args
	case spec.LanguageJava:
		return "cd /work/src && java -cp /work/build Main" + args
	}
	return "cd /work/src && /work/" + p.Executable + args
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
