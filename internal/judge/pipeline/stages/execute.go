package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/spec"
	"nojudge/internal/judge/testdata"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// plannedCase is a case resolved from testdata, custom inputs or samples.
type plannedCase struct {
	name           string
	input          string
	expectedOutput string
	inputFile      string
	outputFile     string
	isSample       bool
	points         int
	subtaskID      int
	timeLimitMs    int64
	memoryLimitKb  int64
}

// Execute runs every resolved case through the sandbox.
type Execute struct {
	runner sandbox.Runner
}

func NewExecute(runner sandbox.Runner) *Execute {
	return &Execute{runner: runner}
}

func (*Execute) Type() pipeline.StageType { return pipeline.StageExecute }

func (s *Execute) ValidateConfig(cfg pipeline.StageConfig) error {
	c, err := configOf[*pipeline.ExecuteConfig](cfg)
	if err != nil {
		return err
	}
	if !c.TestdataEnabled() && len(c.CustomInputs) == 0 {
		return pkgerrors.New(pkgerrors.StageConfigInvalid).WithMessage("customInputs are required when useTestdata is false")
	}
	return nil
}

func (s *Execute) Execute(ctx context.Context, pc *pipeline.Context, cfg pipeline.StageConfig) (pipeline.StageResult, error) {
	c, err := configOf[*pipeline.ExecuteConfig](cfg)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	if !pc.Data.Compiled {
		return notCompiled(), nil
	}
	planned, err := planCases(pc, c)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	var chaos *testdata.ChaosConfig
	if c.TestdataEnabled() && pc.Manifest != nil && pc.Manifest.Chaos != nil && pc.Manifest.Chaos.Enabled {
		chaos = pc.Manifest.Chaos
	}

	pc.Cases = make([]*pipeline.CaseResult, 0, len(planned))
	var totalMs, maxMem int64
	for i, tc := range planned {
		caseCtx := withCase(ctx, i)
		if chaos != nil && i == chaos.InjectBeforeCase {
			injectChaos(caseCtx, pc, chaos)
			chaos = nil
		}

		limits := spec.Limits{TimeLimitMs: tc.timeLimitMs, MemoryLimitKb: tc.memoryLimitKb, Network: pc.Network}
		res := s.runner.RunCase(caseCtx, pc.Job, pc.Language, tc.input, limits, i)
		cr := &pipeline.CaseResult{
			Index:          i,
			Name:           tc.name,
			IsSample:       tc.isSample,
			Status:         res.Status,
			TimeMs:         res.TimeMs,
			MemoryKb:       res.MemoryKb,
			Stdout:         res.Stdout,
			Stderr:         SanitizeStderr(res.Stderr, res.Status),
			ExpectedOutput: tc.expectedOutput,
			InputFile:      tc.inputFile,
			OutputFile:     tc.outputFile,
			Points:         tc.points,
			SubtaskID:      tc.subtaskID,
		}
		if tc.inputFile == "" {
			cr.Input = tc.input
		}
		pc.Cases = append(pc.Cases, cr)

		totalMs += res.TimeMs
		if res.MemoryKb != nil && *res.MemoryKb > maxMem {
			maxMem = *res.MemoryKb
		}
		logger.Debug(caseCtx, "case executed", zap.String("status", string(res.Status)), zap.Int64("time_ms", res.TimeMs))
	}

	status := executionStatus(pc.Cases)
	ran := countStatus(pc.Cases, (*pipeline.CaseResult).Ran)
	logger.Info(ctx, "execution finished",
		zap.String("status", string(status)),
		zap.Int("cases", len(pc.Cases)),
		zap.Int64("total_time_ms", totalMs),
		zap.Int64("max_memory_kb", maxMem),
	)
	return pipeline.StageResult{
		Status:   status,
		TimeMs:   totalMs,
		MemoryKb: &maxMem,
		Details:  map[string]any{"testCaseCount": len(pc.Cases), "passedCount": ran},
		Message:  fmt.Sprintf("%d/%d cases ran", ran, len(pc.Cases)),
	}, nil
}

// planCases picks testdata, then custom inputs, then samples.
func planCases(pc *pipeline.Context, c *pipeline.ExecuteConfig) ([]plannedCase, error) {
	if c.TestdataEnabled() && pc.Manifest != nil && len(pc.Manifest.Cases) > 0 {
		return testdataCases(pc, c.TimeLimitMs, c.MemoryLimitKb, defaultTimeLimitMs, true)
	}
	if len(c.CustomInputs) > 0 {
		out := make([]plannedCase, 0, len(c.CustomInputs))
		for i, in := range c.CustomInputs {
			name := in.Name
			if name == "" {
				name = caseName("Custom", i)
			}
			out = append(out, plannedCase{
				name:           name,
				input:          in.Input,
				expectedOutput: in.ExpectedOutput,
				timeLimitMs:    firstPositive(c.TimeLimitMs, defaultTimeLimitMs),
				memoryLimitKb:  firstPositive(c.MemoryLimitKb, defaultMemoryLimitKb),
			})
		}
		return out, nil
	}
	if len(pc.SampleCases) > 0 {
		return sampleCases(pc, c.TimeLimitMs, c.MemoryLimitKb), nil
	}
	return nil, pkgerrors.New(pkgerrors.JudgeSystemError).WithMessage("no test cases available")
}

// testdataCases reads case files from the unpacked testdata directory.
func testdataCases(pc *pipeline.Context, cfgTimeMs, cfgMemKb, fallbackTimeMs int64, requireOutput bool) ([]plannedCase, error) {
	m := pc.Manifest
	out := make([]plannedCase, 0, len(m.Cases))
	for i, tc := range m.Cases {
		if !filepath.IsLocal(filepath.FromSlash(tc.InputFile)) || (tc.OutputFile != "" && !filepath.IsLocal(filepath.FromSlash(tc.OutputFile))) {
			return nil, pkgerrors.New(pkgerrors.TestdataInvalid).WithMessagef("case %d points outside the testdata directory", i)
		}
		input, err := os.ReadFile(filepath.Join(pc.TestdataDir(), filepath.FromSlash(tc.InputFile)))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.TestdataInvalid, "read input of case %d", i)
		}
		var expected []byte
		if tc.OutputFile != "" {
			expected, err = os.ReadFile(filepath.Join(pc.TestdataDir(), filepath.FromSlash(tc.OutputFile)))
			if err != nil && requireOutput {
				return nil, pkgerrors.Wrapf(err, pkgerrors.TestdataInvalid, "read output of case %d", i)
			}
		}
		name := tc.Name
		if name == "" {
			name = caseName("Case", i)
		}
		t, mem := m.Limits(tc, firstPositive(cfgTimeMs, fallbackTimeMs), firstPositive(cfgMemKb, defaultMemoryLimitKb))
		out = append(out, plannedCase{
			name:           name,
			input:          string(input),
			expectedOutput: string(expected),
			inputFile:      tc.InputFile,
			outputFile:     tc.OutputFile,
			isSample:       tc.IsSample,
			points:         tc.Points,
			subtaskID:      tc.SubtaskID,
			timeLimitMs:    t,
			memoryLimitKb:  mem,
		})
	}
	return out, nil
}

func sampleCases(pc *pipeline.Context, cfgTimeMs, cfgMemKb int64) []plannedCase {
	out := make([]plannedCase, 0, len(pc.SampleCases))
	for i, sc := range pc.SampleCases {
		out = append(out, plannedCase{
			name:           caseName("Sample", i),
			input:          sc.Input,
			expectedOutput: sc.Output,
			isSample:       true,
			timeLimitMs:    firstPositive(cfgTimeMs, defaultSampleTimeLimitMs),
			memoryLimitKb:  firstPositive(cfgMemKb, defaultMemoryLimitKb),
		})
	}
	return out
}

// injectChaos copies testdata/chaos files into src/. Failures are logged only.
func injectChaos(ctx context.Context, pc *pipeline.Context, chaos *testdata.ChaosConfig) {
	chaosDir := filepath.Join(pc.TestdataDir(), "chaos")
	info, err := os.Stat(chaosDir)
	if err != nil || !info.IsDir() {
		logger.Warn(ctx, "chaos directory missing", zap.String("dir", chaosDir))
		return
	}
	files := chaos.Files
	if len(files) == 0 {
		entries, err := os.ReadDir(chaosDir)
		if err != nil {
			logger.Warn(ctx, "chaos directory unreadable", zap.Error(err))
			return
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				files = append(files, e.Name())
			}
		}
	}
	injected := 0
	for _, f := range files {
		rel := filepath.FromSlash(f)
		if !filepath.IsLocal(rel) {
			logger.Warn(ctx, "chaos file outside the chaos directory", zap.String("file", f))
			continue
		}
		data, err := os.ReadFile(filepath.Join(chaosDir, rel))
		if err != nil {
			logger.Warn(ctx, "chaos file skipped", zap.String("file", f), zap.Error(err))
			continue
		}
		dst := filepath.Join(pc.SrcDir(), rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			logger.Warn(ctx, "chaos file skipped", zap.String("file", f), zap.Error(err))
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			logger.Warn(ctx, "chaos file skipped", zap.String("file", f), zap.Error(err))
			continue
		}
		injected++
	}
	logger.Info(ctx, "chaos files injected", zap.Int("files", injected))
}
