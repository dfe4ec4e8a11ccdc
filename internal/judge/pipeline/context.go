// Package pipeline runs a problem's configured judge stages against one submission.
package pipeline

import (
	"time"

	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	"nojudge/internal/judge/testdata"
	pkgerrors "nojudge/pkg/errors"
)

// SubmissionKind is how the student's code is packaged.
type SubmissionKind string

const (
	KindSingleFile   SubmissionKind = "SINGLE_FILE"
	KindMultiFile    SubmissionKind = "MULTI_FILE"
	KindFunctionOnly SubmissionKind = "FUNCTION_ONLY"
)

// SampleCase is a problem statement example used when no testdata exists.
type SampleCase struct {
	Input  string
	Output string
}

// StageData carries the typed signals stages leave for later stages and the executor.
type StageData struct {
	Compiled       bool
	ExecutablePath string

	Scored     bool
	RawScore   float64
	FinalScore float64
	MaxScore   float64
}

// SetScore records the raw and final score of the submission.
func (d *StageData) SetScore(raw, final float64) {
	d.Scored = true
	d.RawScore = raw
	d.FinalScore = final
}

// Context is the unit of work threaded through every stage of one submission.
// It is owned by a single goroutine; stages run strictly in order.
type Context struct {
	SubmissionID string
	UserID       string
	ProblemID    string
	Language     spec.Language
	Kind         SubmissionKind

	Job *sandbox.JobContext

	// SourceCode is the single-file or function-only source. Multi-file sources
	// are already unpacked into the job's src directory.
	SourceCode string
	SourceKey  string

	Manifest        *testdata.Manifest
	TestdataVersion int
	SampleCases     []SampleCase

	CheckerKey      string
	CheckerLanguage spec.Language
	TemplateKey     string
	MakefileKey     string
	ArtifactPaths   []string
	Network         *spec.NetworkPolicy

	SubmittedAt time.Time
	// DueAt is the deadline used by late submission penalties; zero when the problem has none.
	DueAt time.Time

	CompileLog string
	Cases      []*CaseResult
	Data       StageData
}

// SrcDir and the other directory helpers return the workspace paths on the host.
func (c *Context) SrcDir() string      { return c.Job.SrcDir() }
func (c *Context) BuildDir() string    { return c.Job.BuildDir() }
func (c *Context) TestdataDir() string { return c.Job.TestdataDir() }
func (c *Context) OutDir() string      { return c.Job.OutDir() }

// CaseResult is one executed test case. Its status moves from RUNNING (the
// program ran) to a final verdict and never regresses.
type CaseResult struct {
	Index          int
	Name           string
	IsSample       bool
	Status         result.Status
	TimeMs         int64
	MemoryKb       *int64
	Stdout         string
	Stderr         string
	ExpectedOutput string
	// Input is kept only for cases that have no testdata InputFile.
	Input      string
	InputFile  string
	OutputFile string
	Points     int
	SubtaskID  int
	Message    string
}

// Ran reports whether the case finished normally and still awaits an output verdict.
func (c *CaseResult) Ran() bool {
	return c.Status == result.StatusRunning || c.Status == result.StatusAC
}

// SetVerdict applies an output verdict. A case that already failed during
// execution keeps its status and SetVerdict reports an error.
func (c *CaseResult) SetVerdict(s result.Status) error {
	if c.Status.IsExecutionFailure() {
		return pkgerrors.Newf(pkgerrors.JudgeSystemError, "case %d already ended with %s", c.Index, c.Status)
	}
	c.Status = s
	return nil
}

// StageResult is the immutable outcome of one stage invocation.
type StageResult struct {
	Stage    StageType
	Order    int
	Status   result.Status
	TimeMs   int64
	MemoryKb *int64
	Stdout   string
	Stderr   string
	Details  map[string]any
	Abort    bool
	Message  string
	Duration time.Duration
}

// Succeeded reports whether the stage passed without a verdict of its own.
func (r StageResult) Succeeded() bool {
	return r.Status == result.StatusAC
}

// Summary is the bookkeeping stored with the final result.
type Summary struct {
	TotalStages     int    `json:"totalStages"`
	CompletedStages int    `json:"completedStages"`
	Aborted         bool   `json:"aborted"`
	Error           string `json:"error,omitempty"`
}

// ExecutionResult is the outcome of a whole pipeline run.
type ExecutionResult struct {
	FinalStatus  result.Status
	Score        float64
	RawScore     float64
	StageResults []StageResult
	Cases        []*CaseResult
	CompileLog   string
	Summary      Summary
	ArtifactsKey string
}
