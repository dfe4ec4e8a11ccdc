package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/result"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Late penalty curves.
const (
	LatePerDay           = "per-day"
	LatePerHour          = "per-hour"
	LatePercentagePerDay = "percentage-per-day"
	LateExponential      = "exponential"
)

// Scoring computes the raw score and applies penalties. It never rejects a submission.
type Scoring struct {
	runner sandbox.Runner
	store  storage.ObjectStorage
	now    func() time.Time
}

func NewScoring(runner sandbox.Runner, store storage.ObjectStorage) *Scoring {
	return &Scoring{runner: runner, store: store, now: time.Now}
}

func (*Scoring) Type() pipeline.StageType { return pipeline.StageScoring }

func (s *Scoring) ValidateConfig(cfg pipeline.StageConfig) error {
	c, err := configOf[*pipeline.ScoringConfig](cfg)
	if err != nil {
		return err
	}
	switch c.Mode {
	case "":
		return pkgerrors.New(pkgerrors.StageConfigInvalid).WithMessage("mode is required")
	case pipeline.ScoringCustomScript:
		if c.ScriptKey == "" {
			return pkgerrors.New(pkgerrors.StageConfigInvalid).WithMessage("custom-script scoring needs scriptKey")
		}
	}
	return nil
}

func (s *Scoring) Execute(ctx context.Context, pc *pipeline.Context, cfg pipeline.StageConfig) (pipeline.StageResult, error) {
	c, err := configOf[*pipeline.ScoringConfig](cfg)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	var raw float64
	switch c.Mode {
	case pipeline.ScoringWeighted:
		raw = WeightedScore(pc.Cases, c)
	case pipeline.ScoringCustomScript:
		raw = s.scriptScore(ctx, pc, c)
	default:
		raw = SumScore(pc.Cases)
	}

	final := raw
	for _, rule := range c.Penalties {
		p := s.penalty(rule, raw, pc)
		final = math.Max(0, final-p)
		logger.Debug(ctx, "penalty applied", zap.String("rule", rule.Type), zap.Float64("penalty", p))
	}

	pc.Data.SetScore(raw, final)
	logger.Info(ctx, "scoring finished", zap.String("mode", c.Mode), zap.Float64("raw", raw), zap.Float64("final", final))
	return pipeline.StageResult{
		Status: result.StatusAC,
		Details: map[string]any{
			"rawScore":       raw,
			"finalScore":     final,
			"penaltyApplied": raw - final,
		},
		Message: fmt.Sprintf("score %s", strconv.FormatFloat(final, 'f', -1, 64)),
	}, nil
}

// SumScore adds the points of accepted cases.
func SumScore(cases []*pipeline.CaseResult) float64 {
	var total float64
	for _, c := range cases {
		if c.Status == result.StatusAC {
			total += float64(c.Points)
		}
	}
	return total
}

// WeightedScore scores subtasks all-or-nothing when subtask weights are given,
// otherwise weighs each accepted case's points by its name.
func WeightedScore(cases []*pipeline.CaseResult, c *pipeline.ScoringConfig) float64 {
	if len(cases) == 0 {
		return 0
	}
	var score, total float64
	if len(c.SubtaskWeights) > 0 {
		groups := make(map[int][]*pipeline.CaseResult)
		for _, tc := range cases {
			groups[tc.SubtaskID] = append(groups[tc.SubtaskID], tc)
		}
		for i, w := range c.SubtaskWeights {
			group := groups[i]
			if len(group) == 0 {
				continue
			}
			if allAccepted(group) {
				score += w
			}
			total += w
		}
	} else {
		def := c.DefaultWeight
		if def == 0 {
			def = 1
		}
		for _, tc := range cases {
			w, ok := c.Weights[tc.Name]
			if !ok || w == 0 {
				w = def
			}
			v := float64(tc.Points) * w
			if tc.Status == result.StatusAC {
				score += v
			}
			total += v
		}
	}
	if c.NormalizeToTotal > 0 && total > 0 {
		return math.Round(score/total*c.NormalizeToTotal*100) / 100
	}
	return score
}

func allAccepted(cases []*pipeline.CaseResult) bool {
	for _, c := range cases {
		if c.Status != result.StatusAC {
			return false
		}
	}
	return true
}

type scriptCase struct {
	Index     int           `json:"caseNo"`
	Name      string        `json:"name"`
	Status    result.Status `json:"status"`
	TimeMs    int64         `json:"timeMs"`
	MemoryKb  *int64        `json:"memoryKb,omitempty"`
	Points    int           `json:"points"`
	SubtaskID int           `json:"subtaskId"`
	IsSample  bool          `json:"isSample"`
}

type scriptInput struct {
	SubmissionID    string       `json:"submissionId"`
	ProblemID       string       `json:"problemId"`
	Language        string       `json:"language"`
	TestCaseResults []scriptCase `json:"testCaseResults"`
	SubmittedAt     string       `json:"submittedAt"`
	TotalPoints     int          `json:"totalPoints"`
}

// scriptScore runs the problem's scoring script; any failure falls back to SumScore.
func (s *Scoring) scriptScore(ctx context.Context, pc *pipeline.Context, c *pipeline.ScoringConfig) float64 {
	code, err := storage.ReadString(ctx, s.store, storage.BucketProblems, c.ScriptKey)
	if err != nil {
		logger.Warn(ctx, "scoring script unavailable, using sum", zap.String("script", c.ScriptKey), zap.Error(err))
		return SumScore(pc.Cases)
	}

	submitted := pc.SubmittedAt
	if submitted.IsZero() {
		submitted = s.now()
	}
	in := scriptInput{
		SubmissionID:    pc.SubmissionID,
		ProblemID:       pc.ProblemID,
		Language:        string(pc.Language),
		TestCaseResults: make([]scriptCase, 0, len(pc.Cases)),
		SubmittedAt:     submitted.UTC().Format(time.RFC3339),
	}
	for _, tc := range pc.Cases {
		in.TestCaseResults = append(in.TestCaseResults, scriptCase{
			Index: tc.Index, Name: tc.Name, Status: tc.Status, TimeMs: tc.TimeMs, MemoryKb: tc.MemoryKb,
			Points: tc.Points, SubtaskID: tc.SubtaskID, IsSample: tc.IsSample,
		})
		in.TotalPoints += tc.Points
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return SumScore(pc.Cases)
	}

	res, err := s.runner.RunScript(ctx, pc.Job, code, string(payload))
	if err != nil {
		logger.Warn(ctx, "scoring script failed, using sum", zap.Error(err))
		return SumScore(pc.Cases)
	}
	if res.ExitCode != 0 {
		logger.Warn(ctx, "scoring script exited non-zero, using sum", zap.Int("exit_code", res.ExitCode), zap.String("stderr", res.Stderr))
		return SumScore(pc.Cases)
	}
	score, ok := ParseScriptScore(res.Output)
	if !ok {
		logger.Warn(ctx, "scoring script output unparsable, using sum", zap.String("output", res.Output))
		return SumScore(pc.Cases)
	}
	return score
}

// ParseScriptScore accepts {"score": n}, a bare JSON number or a plain float.
func ParseScriptScore(out string) (float64, bool) {
	out = strings.TrimSpace(out)
	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(out), &obj); err == nil && obj.Score != nil {
		return *obj.Score, true
	}
	var n float64
	if err := json.Unmarshal([]byte(out), &n); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(out, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f, true
	}
	return 0, false
}

func (s *Scoring) penalty(rule pipeline.PenaltyRule, raw float64, pc *pipeline.Context) float64 {
	switch rule.Type {
	case pipeline.PenaltyLateSubmission:
		return LatePenalty(rule.Config, raw, pc.SubmittedAt, pc.DueAt)
	case pipeline.PenaltyMemoryUsage:
		return memoryPenalty(rule.Config, pc.Cases)
	case pipeline.PenaltyTimeUsage:
		return timePenalty(rule.Config, pc.Cases)
	}
	return 0
}

// LatePenalty is zero when there is no deadline or the submission is on time,
// including the grace period.
// percentage-per-day takes rate percent of the raw score per started day.
func LatePenalty(cfg pipeline.PenaltyConfig, raw float64, submittedAt, dueAt time.Time) float64 {
	if dueAt.IsZero() || submittedAt.IsZero() || !submittedAt.After(dueAt) {
		return 0
	}
	rate := cfg.Rate
	if rate == 0 {
		rate = 10
	}
	maxPenalty := cfg.MaxPenalty
	if maxPenalty == 0 {
		maxPenalty = 100
	}
	hours := math.Max(0, submittedAt.Sub(dueAt).Hours()-cfg.GracePeriodHours)
	if hours == 0 {
		return 0
	}
	days := hours / 24

	var p float64
	switch cfg.Mode {
	case LatePerHour:
		p = math.Ceil(hours) * rate
	case LatePercentagePerDay:
		p = raw * rate / 100 * math.Ceil(days)
	case LateExponential:
		p = math.Pow(2, days) * rate
	default:
		p = math.Ceil(days) * rate
	}
	return math.Min(p, maxPenalty)
}

func memoryPenalty(cfg pipeline.PenaltyConfig, cases []*pipeline.CaseResult) float64 {
	var maxKb int64
	for _, c := range cases {
		if c.MemoryKb != nil && *c.MemoryKb > maxKb {
			maxKb = *c.MemoryKb
		}
	}
	threshold := cfg.ThresholdMb
	if threshold == 0 {
		threshold = 64
	}
	rate := cfg.PenaltyRate
	if rate == 0 {
		rate = 1
	}
	if mb := float64(maxKb) / 1024; mb > threshold {
		return (mb - threshold) * rate
	}
	return 0
}

func timePenalty(cfg pipeline.PenaltyConfig, cases []*pipeline.CaseResult) float64 {
	var total int64
	for _, c := range cases {
		total += c.TimeMs
	}
	threshold := cfg.ThresholdMs
	if threshold == 0 {
		threshold = 10000
	}
	rate := cfg.PenaltyRate
	if rate == 0 {
		rate = 0.01
	}
	if ms := float64(total); ms > threshold {
		return (ms - threshold) * rate
	}
	return 0
}
