package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nojudge/internal/judge/checker"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Check turns ran cases into AC or WA and totals their points.
type Check struct {
	checker Checker
}

// NewCheck creates the check stage. A nil checker limits it to diff mode.
func NewCheck(c Checker) *Check {
	return &Check{checker: c}
}

func (*Check) Type() pipeline.StageType { return pipeline.StageCheck }

func (s *Check) ValidateConfig(cfg pipeline.StageConfig) error {
	c, err := configOf[*pipeline.CheckConfig](cfg)
	if err != nil {
		return err
	}
	if c.Mode == "" {
		return pkgerrors.New(pkgerrors.StageConfigInvalid).WithMessage("mode is required")
	}
	return nil
}

func (s *Check) Execute(ctx context.Context, pc *pipeline.Context, cfg pipeline.StageConfig) (pipeline.StageResult, error) {
	c, err := configOf[*pipeline.CheckConfig](cfg)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	if len(pc.Cases) == 0 {
		return pipeline.StageResult{}, pkgerrors.New(pkgerrors.JudgeSystemError).WithMessage("no executed cases to check")
	}

	var passed, score, maxScore int
	for _, tc := range pc.Cases {
		if tc.Status.IsExecutionFailure() {
			continue
		}
		caseCtx := withCase(ctx, tc.Index)
		ok, msg := s.judge(caseCtx, pc, c, tc)
		verdict := result.StatusWA
		if ok {
			verdict = result.StatusAC
		}
		if err := tc.SetVerdict(verdict); err != nil {
			return pipeline.StageResult{}, err
		}
		tc.Message = msg
		if ok {
			passed++
			score += tc.Points
		}
		maxScore += tc.Points
		logger.Debug(caseCtx, "case checked", zap.String("status", string(tc.Status)))
	}

	status := overallVerdict(pc.Cases, passed)
	pc.Data.SetScore(float64(score), float64(score))
	pc.Data.MaxScore = float64(maxScore)
	logger.Info(ctx, "check finished",
		zap.String("status", string(status)),
		zap.Int("passed", passed),
		zap.Int("cases", len(pc.Cases)),
		zap.Int("score", score),
	)
	return pipeline.StageResult{
		Status: status,
		Details: map[string]any{
			"passedCount": passed,
			"totalCount":  len(pc.Cases),
			"score":       score,
			"maxScore":    maxScore,
		},
		Message: fmt.Sprintf("%d/%d cases passed", passed, len(pc.Cases)),
	}, nil
}

// overallVerdict is AC when all passed, PA when some did, else the most severe case status.
func overallVerdict(cases []*pipeline.CaseResult, passed int) result.Status {
	switch {
	case passed == len(cases):
		return result.StatusAC
	case passed > 0:
		return result.StatusPA
	}
	statuses := make([]result.Status, 0, len(cases))
	for _, tc := range cases {
		statuses = append(statuses, tc.Status)
	}
	return result.MostSevere(statuses)
}

func (s *Check) judge(ctx context.Context, pc *pipeline.Context, c *pipeline.CheckConfig, tc *pipeline.CaseResult) (bool, string) {
	if !c.UsesChecker() {
		return DiffEqual(tc.Stdout, tc.ExpectedOutput, c), ""
	}
	key, lang := c.CheckerKey, pc.CheckerLanguage
	if key == "" {
		key = pc.CheckerKey
	}
	if c.CheckerLanguage != "" {
		if l, err := profile.ParseLanguage(c.CheckerLanguage); err == nil {
			lang = l
		}
	}
	if key == "" || lang == "" || s.checker == nil {
		logger.Warn(ctx, "checker not configured, using diff")
		return DiffEqual(tc.Stdout, tc.ExpectedOutput, c), ""
	}

	in, err := checkerInput(pc, tc)
	if err == nil {
		var res checker.Result
		res, err = s.checker.Run(ctx, pc.SubmissionID, key, lang, in)
		if err == nil {
			return res.Passed, res.Message
		}
	}
	logger.Error(ctx, "checker failed, using diff", zap.String("checker", key), zap.Error(err))
	return DiffEqual(tc.Stdout, tc.ExpectedOutput, c), ""
}

// checkerInput writes the student output and, for cases outside testdata,
// the input and answer into out/ so the checker always gets three files.
func checkerInput(pc *pipeline.Context, tc *pipeline.CaseResult) (checker.Input, error) {
	write := func(suffix, body string) (string, error) {
		p := filepath.Join(pc.OutDir(), fmt.Sprintf("case_%d_%s.txt", tc.Index, suffix))
		return p, os.WriteFile(p, []byte(body), 0o644)
	}
	var in checker.Input
	var err error
	if in.OutputFile, err = write("output", tc.Stdout); err != nil {
		return in, err
	}
	if tc.InputFile != "" {
		in.InputFile = filepath.Join(pc.TestdataDir(), filepath.FromSlash(tc.InputFile))
	} else if in.InputFile, err = write("input", tc.Input); err != nil {
		return in, err
	}
	if tc.OutputFile != "" {
		in.AnswerFile = filepath.Join(pc.TestdataDir(), filepath.FromSlash(tc.OutputFile))
	} else if in.AnswerFile, err = write("answer", tc.ExpectedOutput); err != nil {
		return in, err
	}
	return in, nil
}

// DiffEqual compares outputs. With whitespace ignored (the default) trailing
// spaces on each line and trailing newlines are dropped; leading space counts.
func DiffEqual(actual, expected string, c *pipeline.CheckConfig) bool {
	if c.IgnoreWhitespace == nil || *c.IgnoreWhitespace {
		actual, expected = normalizeWhitespace(actual), normalizeWhitespace(expected)
	}
	if c.CaseSensitive != nil && !*c.CaseSensitive {
		actual, expected = strings.ToLower(actual), strings.ToLower(expected)
	}
	return actual == expected
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r\f\v")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
