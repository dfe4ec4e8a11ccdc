package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	interactiveOverhead      = 2 * time.Second
	interactorMemoryLimitKb  = 262144
	interactiveStderrLimit   = 64 << 10
	interactorInputPath      = "/work/src/input.txt"
	interactorAnswerPath     = "/work/src/answer.txt"
	defaultInteractiveTimeMs = defaultSampleTimeLimitMs
)

// Interactive judges programs that converse with an instructor interactor.
// Each case runs the student and the interactor as two sandboxed processes
// wired stdout to stdin under one shared deadline.
type Interactive struct {
	runner sandbox.Runner
	store  storage.ObjectStorage
}

func NewInteractive(runner sandbox.Runner, store storage.ObjectStorage) *Interactive {
	return &Interactive{runner: runner, store: store}
}

func (*Interactive) Type() pipeline.StageType { return pipeline.StageInteractive }

func (s *Interactive) ValidateConfig(cfg pipeline.StageConfig) error {
	c, err := configOf[*pipeline.InteractiveConfig](cfg)
	if err != nil {
		return err
	}
	if c.InteractorKey == "" {
		return pkgerrors.New(pkgerrors.StageConfigInvalid).WithMessage("interactorKey is required")
	}
	if c.InteractorLanguage != "" {
		if _, err := profile.ParseLanguage(c.InteractorLanguage); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.StageConfigInvalid)
		}
	}
	return nil
}

func (s *Interactive) Execute(ctx context.Context, pc *pipeline.Context, cfg pipeline.StageConfig) (pipeline.StageResult, error) {
	c, err := configOf[*pipeline.InteractiveConfig](cfg)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	if !pc.Data.Compiled {
		return notCompiled(), nil
	}
	student, err := profile.Lookup(pc.Language)
	if err != nil {
		return pipeline.StageResult{}, pkgerrors.Wrap(err, pkgerrors.LanguageNotSupported)
	}

	lang := spec.LanguagePython
	if c.InteractorLanguage != "" {
		if lang, err = profile.ParseLanguage(c.InteractorLanguage); err != nil {
			return pipeline.StageResult{}, pkgerrors.Wrap(err, pkgerrors.StageConfigInvalid)
		}
	}
	ijob, res, err := s.prepareInteractor(ctx, pc, c.InteractorKey, lang)
	if ijob != nil {
		defer s.runner.CleanupJob(ctx, ijob)
	}
	if err != nil || res != nil {
		if res != nil {
			return *res, nil
		}
		return pipeline.StageResult{}, err
	}
	interactor, err := profile.Lookup(lang)
	if err != nil {
		return pipeline.StageResult{}, pkgerrors.Wrap(err, pkgerrors.LanguageNotSupported)
	}

	planned, err := interactiveCases(pc, c)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	pc.Cases = make([]*pipeline.CaseResult, 0, len(planned))
	var score, maxScore int
	var totalMs, maxMem int64
	for i, tc := range planned {
		caseCtx := withCase(ctx, i)
		cr := s.runCase(caseCtx, pc, ijob, student, interactor, tc, i)
		pc.Cases = append(pc.Cases, cr)
		totalMs += cr.TimeMs
		if cr.MemoryKb != nil && *cr.MemoryKb > maxMem {
			maxMem = *cr.MemoryKb
		}
		if cr.Status == result.StatusAC {
			score += cr.Points
		}
		maxScore += cr.Points
		logger.Debug(caseCtx, "interactive case finished", zap.String("status", string(cr.Status)))
	}

	status := interactiveStatus(pc.Cases)
	passed := countStatus(pc.Cases, func(c *pipeline.CaseResult) bool { return c.Status == result.StatusAC })
	pc.Data.SetScore(float64(score), float64(score))
	pc.Data.MaxScore = float64(maxScore)
	logger.Info(ctx, "interactive judging finished", zap.String("status", string(status)), zap.Int("passed", passed))
	return pipeline.StageResult{
		Status:   status,
		TimeMs:   totalMs,
		MemoryKb: &maxMem,
		Details:  map[string]any{"testCaseCount": len(pc.Cases), "passedCount": passed},
		Message:  fmt.Sprintf("%d/%d interactive cases passed", passed, len(pc.Cases)),
	}, nil
}

// prepareInteractor loads and builds the interactor in its own sub-job. A
// non-nil StageResult is a judge error to report as is.
func (s *Interactive) prepareInteractor(ctx context.Context, pc *pipeline.Context, key string, lang spec.Language) (*sandbox.JobContext, *pipeline.StageResult, error) {
	code, err := storage.ReadString(ctx, s.store, storage.BucketProblems, key)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "load interactor %s", key)
	}
	job, err := s.runner.CreateJob(ctx, pc.SubmissionID+"-interactor")
	if err != nil {
		return nil, nil, err
	}
	if err := s.runner.WriteSource(ctx, job, lang, code); err != nil {
		return job, nil, err
	}
	if !profile.NeedsCompile(lang) {
		return job, nil, nil
	}
	cr, err := s.runner.Compile(ctx, job, lang, sandbox.CompileOptions{})
	if err != nil {
		return job, nil, err
	}
	if cr.Status == result.StatusCE {
		logger.Error(ctx, "interactor does not compile", zap.String("interactor", key))
		return job, &pipeline.StageResult{
			Status:  result.StatusJudgeError,
			Stderr:  "interactor compilation failed",
			Details: map[string]any{"compileLog": cr.Log},
			Abort:   true,
			Message: "judge system error",
		}, nil
	}
	return job, nil, nil
}

// interactiveCases uses testdata when present, else the samples. Expected
// output is optional since the interactor decides.
func interactiveCases(pc *pipeline.Context, c *pipeline.InteractiveConfig) ([]plannedCase, error) {
	if pc.Manifest != nil && len(pc.Manifest.Cases) > 0 {
		return testdataCases(pc, c.TimeLimitMs, c.MemoryLimitKb, defaultInteractiveTimeMs, false)
	}
	if len(pc.SampleCases) > 0 {
		return sampleCases(pc, c.TimeLimitMs, c.MemoryLimitKb), nil
	}
	return nil, pkgerrors.New(pkgerrors.JudgeSystemError).WithMessage("no test cases available")
}

// interactorCommand runs the interactor with the case input and answer paths as
// arguments. The input also arrives on stdin ahead of the student's output.
func interactorCommand(p profile.LanguageProfile) string {
	return fmt.Sprintf("%s %s %s", p.RunCommand, interactorInputPath, interactorAnswerPath)
}

func (s *Interactive) runCase(ctx context.Context, pc *pipeline.Context, ijob *sandbox.JobContext, student, interactor profile.LanguageProfile, tc plannedCase, idx int) *pipeline.CaseResult {
	cr := &pipeline.CaseResult{
		Index:          idx,
		Name:           tc.name,
		IsSample:       tc.isSample,
		ExpectedOutput: tc.expectedOutput,
		InputFile:      tc.inputFile,
		OutputFile:     tc.outputFile,
		Points:         tc.points,
		SubtaskID:      tc.subtaskID,
	}
	if tc.inputFile == "" {
		cr.Input = tc.input
	}
	judgeError := func(err error) *pipeline.CaseResult {
		logger.Error(ctx, "interactive case failed", zap.Error(err))
		cr.Status = result.StatusJudgeError
		cr.Stderr = err.Error()
		return cr
	}

	if err := os.WriteFile(filepath.Join(ijob.SrcDir(), "input.txt"), []byte(tc.input), 0o644); err != nil {
		return judgeError(err)
	}
	if err := os.WriteFile(filepath.Join(ijob.SrcDir(), "answer.txt"), []byte(tc.expectedOutput), 0o644); err != nil {
		return judgeError(err)
	}

	deadline := time.Duration(tc.timeLimitMs)*time.Millisecond + interactiveOverhead
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// interactor stdout feeds student stdin and student stdout feeds interactor stdin
	studentIn, interactorOut := io.Pipe()
	interactorIn, studentOut := io.Pipe()

	var (
		studentRes, interactorRes sandbox.RunOutcome
		studentErr, interactorErr error
		interactorStderr          = &cappedBuffer{limit: interactiveStderrLimit}
	)
	studentCtx, stopStudent := context.WithCancel(dctx)
	defer stopStudent()

	var g errgroup.Group
	// student stderr is dropped so it cannot reach the verdict or the stored result
	g.Go(func() error {
		studentRes, studentErr = s.runner.Run(studentCtx, pc.Job, sandbox.RunSpec{
			Kind:    "student",
			Command: student.RunCommand,
			Limits:  spec.Limits{TimeLimitMs: tc.timeLimitMs, MemoryLimitKb: tc.memoryLimitKb, Network: pc.Network},
			Timeout: deadline,
			Stdin:   studentIn,
			Stdout:  studentOut,
			Stderr:  io.Discard,
		})
		studentOut.Close()
		studentIn.Close()
		return nil
	})
	g.Go(func() error {
		interactorRes, interactorErr = s.runner.Run(dctx, ijob, sandbox.RunSpec{
			Kind:    "interactor",
			Command: interactorCommand(interactor),
			Limits:  spec.Limits{TimeLimitMs: tc.timeLimitMs, MemoryLimitKb: interactorMemoryLimitKb},
			Timeout: deadline,
			Stdin:   io.MultiReader(strings.NewReader(tc.input), interactorIn),
			Stdout:  interactorOut,
			Stderr:  interactorStderr,
		})
		interactorOut.Close()
		interactorIn.Close()
		// the interactor has decided, the student is no longer needed
		stopStudent()
		return nil
	})
	_ = g.Wait()

	cr.TimeMs = studentRes.TimeMs
	cr.Message = strings.TrimSpace(interactorStderr.String())

	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded) ||
		isTimeout(interactorErr) || (isTimeout(studentErr) && studentCtx.Err() == nil)
	switch {
	case timedOut:
		cr.Status = result.StatusTLE
		cr.Stderr = statusMessage(result.StatusTLE)
	case studentRes.OOMKilled:
		cr.Status = result.StatusMLE
		cr.Stderr = statusMessage(result.StatusMLE)
	case interactorErr != nil:
		return judgeError(interactorErr)
	default:
		cr.Status = interactorVerdict(interactorRes.ExitCode)
	}
	return cr
}

func isTimeout(err error) bool {
	return err != nil && (pkgerrors.Is(err, pkgerrors.SandboxTimeout) || errors.Is(err, context.DeadlineExceeded))
}

// interactorVerdict maps the interactor exit code: 0 accepts, 1 and 2 reject.
func interactorVerdict(code int) result.Status {
	switch code {
	case 0:
		return result.StatusAC
	case 1, 2:
		return result.StatusWA
	}
	return result.StatusJudgeError
}

// interactiveStatus is the first execution failure, else AC when all cases passed, else WA.
func interactiveStatus(cases []*pipeline.CaseResult) result.Status {
	for _, c := range cases {
		if c.Status.IsExecutionFailure() {
			return c.Status
		}
	}
	for _, c := range cases {
		if c.Status != result.StatusAC {
			return result.StatusWA
		}
	}
	return result.StatusAC
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
