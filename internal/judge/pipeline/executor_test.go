package pipeline

import (
	"context"
	"errors"
	"testing"

	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/result"
	pkgerrors "nojudge/pkg/errors"
)

type fakeConfig struct{ typ StageType }

func (c *fakeConfig) StageType() StageType { return c.typ }

type fakeStage struct {
	typ      StageType
	calls    int
	res      StageResult
	err      error
	panicVal any
	validate error
	run      func(pc *Context)
}

func (s *fakeStage) Type() StageType { return s.typ }

func (s *fakeStage) Execute(ctx context.Context, pc *Context, cfg StageConfig) (StageResult, error) {
	s.calls++
	if s.panicVal != nil {
		panic(s.panicVal)
	}
	if s.run != nil {
		s.run(pc)
	}
	return s.res, s.err
}

func (s *fakeStage) ValidateConfig(StageConfig) error { return s.validate }

type memoryResults struct {
	saved []StageResult
}

func (m *memoryResults) SaveStageResult(ctx context.Context, submissionID string, r StageResult) error {
	m.saved = append(m.saved, r)
	return nil
}

type failingUploader struct{ calls int }

func (f *failingUploader) Upload(context.Context, string, string, []string) (string, error) {
	f.calls++
	return "", errors.New("bucket unavailable")
}

func entry(typ StageType) StageEntry {
	return StageEntry{Type: typ, Enabled: true, Config: &fakeConfig{typ: typ}}
}

func TestExecutorStopsAfterAbort(t *testing.T) {
	s1 := &fakeStage{typ: "S1", res: StageResult{Status: result.StatusAC}}
	s2 := &fakeStage{typ: "S2", res: StageResult{Status: result.StatusCE, Abort: true}}
	s3 := &fakeStage{typ: "S3", res: StageResult{Status: result.StatusAC}}
	store := &memoryResults{}
	exec := NewExecutor(NewRegistry(s1, s2, s3), store, nil, nil)

	out := exec.Execute(context.Background(), &Context{SubmissionID: "sub-1"}, &Config{Stages: []StageEntry{
		entry("S1"), entry("S2"), entry("S3"),
	}})

	if s3.calls != 0 {
		t.Fatalf("stage 3 ran after abort")
	}
	if s1.calls != 1 || s2.calls != 1 {
		t.Fatalf("calls = %d %d", s1.calls, s2.calls)
	}
	if out.FinalStatus != result.StatusCE || !out.Summary.Aborted {
		t.Fatalf("result = %+v", out)
	}
	if out.Summary.TotalStages != 3 || out.Summary.CompletedStages != 2 {
		t.Fatalf("summary = %+v", out.Summary)
	}
	if len(store.saved) != 2 || store.saved[1].Order != 1 || store.saved[1].Stage != "S2" {
		t.Fatalf("persisted = %+v", store.saved)
	}
}

func TestExecutorSkipsDisabledStages(t *testing.T) {
	s1 := &fakeStage{typ: "S1", res: StageResult{Status: result.StatusAC}}
	s2 := &fakeStage{typ: "S2", res: StageResult{Status: result.StatusWA}}
	exec := NewExecutor(NewRegistry(s1, s2), nil, nil, nil)

	disabled := entry("S2")
	disabled.Enabled = false
	out := exec.Execute(context.Background(), &Context{}, &Config{Stages: []StageEntry{entry("S1"), disabled}})
	if s2.calls != 0 {
		t.Fatalf("disabled stage ran")
	}
	if out.FinalStatus != result.StatusAC {
		t.Fatalf("all successful stages must promote to AC, got %s", out.FinalStatus)
	}
}

func TestExecutorUnregisteredStage(t *testing.T) {
	s1 := &fakeStage{typ: "S1", res: StageResult{Status: result.StatusAC}}
	exec := NewExecutor(NewRegistry(s1), nil, nil, nil)

	out := exec.Execute(context.Background(), &Context{}, &Config{Stages: []StageEntry{entry("MISSING"), entry("S1")}})
	if s1.calls != 0 {
		t.Fatalf("stages after an unregistered one must not run")
	}
	if out.FinalStatus != result.StatusJudgeError || !out.StageResults[0].Abort {
		t.Fatalf("result = %+v", out.StageResults)
	}
	if got := out.StageResults[0].Details["code"]; got != int(pkgerrors.StageNotRegistered) {
		t.Fatalf("code = %v", got)
	}
}

func TestExecutorInvalidConfig(t *testing.T) {
	s1 := &fakeStage{typ: "S1", validate: errors.New("mode is required")}
	exec := NewExecutor(NewRegistry(s1), nil, nil, nil)

	out := exec.Execute(context.Background(), &Context{}, &Config{Stages: []StageEntry{entry("S1")}})
	if s1.calls != 0 || out.FinalStatus != result.StatusJudgeError {
		t.Fatalf("calls=%d status=%s", s1.calls, out.FinalStatus)
	}
	if got := out.StageResults[0].Details["code"]; got != int(pkgerrors.StageConfigInvalid) {
		t.Fatalf("code = %v", got)
	}
}

func TestExecutorConvertsErrorsAndPanics(t *testing.T) {
	failing := &fakeStage{typ: "S1", err: pkgerrors.New(pkgerrors.SandboxFailure).WithMessage("docker: connection refused")}
	after := &fakeStage{typ: "S2", res: StageResult{Status: result.StatusAC}}
	store := &memoryResults{}
	out := NewExecutor(NewRegistry(failing, after), store, nil, nil).
		Execute(context.Background(), &Context{}, &Config{Stages: []StageEntry{entry("S1"), entry("S2")}})

	if after.calls != 0 || out.FinalStatus != result.StatusJudgeError {
		t.Fatalf("calls=%d status=%s", after.calls, out.FinalStatus)
	}
	r := out.StageResults[0]
	if r.Stderr != "docker: connection refused" || r.Message != pkgerrors.SandboxFailure.Message() {
		t.Fatalf("stderr=%q message=%q", r.Stderr, r.Message)
	}
	if len(store.saved) != 1 {
		t.Fatalf("error results must be persisted")
	}

	panicking := &fakeStage{typ: "S1", panicVal: "boom"}
	out = NewExecutor(NewRegistry(panicking), nil, nil, nil).
		Execute(context.Background(), &Context{}, &Config{Stages: []StageEntry{entry("S1")}})
	if out.FinalStatus != result.StatusJudgeError || !out.Summary.Aborted {
		t.Fatalf("panic must become a judge error: %+v", out)
	}
}

func TestExecutorScoresAndArtifacts(t *testing.T) {
	scoring := &fakeStage{typ: "S1", res: StageResult{Status: result.StatusAC}, run: func(pc *Context) {
		pc.Data.SetScore(80, 72)
	}}
	uploader := &failingUploader{}
	pc := &Context{
		SubmissionID:  "sub-2",
		ArtifactPaths: []string{"out/*.txt"},
		Job:           &sandbox.JobContext{SubmissionID: "sub-2", Dir: t.TempDir()},
	}
	out := NewExecutor(NewRegistry(scoring), nil, uploader, nil).
		Execute(context.Background(), pc, &Config{Stages: []StageEntry{entry("S1")}})

	if out.RawScore != 80 || out.Score != 72 {
		t.Fatalf("scores = %v %v", out.RawScore, out.Score)
	}
	if uploader.calls != 1 || out.ArtifactsKey != "" || out.FinalStatus != result.StatusAC {
		t.Fatalf("artifact failure must be ignored: %+v", out)
	}
}

func TestExecutorKeepsLatestNonSuccessStatus(t *testing.T) {
	compile := &fakeStage{typ: "S1", res: StageResult{Status: result.StatusAC}}
	execute := &fakeStage{typ: "S2", res: StageResult{Status: result.StatusRunning}}
	check := &fakeStage{typ: "S3", res: StageResult{Status: result.StatusPA}}
	score := &fakeStage{typ: "S4", res: StageResult{Status: result.StatusAC}}
	out := NewExecutor(NewRegistry(compile, execute, check, score), nil, nil, nil).
		Execute(context.Background(), &Context{}, &Config{Stages: []StageEntry{entry("S1"), entry("S2"), entry("S3"), entry("S4")}})
	if out.FinalStatus != result.StatusPA {
		t.Fatalf("status = %s", out.FinalStatus)
	}
}
