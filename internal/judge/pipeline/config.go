package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StageType tags a stage entry in a pipeline definition.
type StageType string

const (
	StageCompile        StageType = "COMPILE"
	StageStaticAnalysis StageType = "STATIC_ANALYSIS"
	StageExecute        StageType = "EXECUTE"
	StageCheck          StageType = "CHECK"
	StageScoring        StageType = "SCORING"
	StageInteractive    StageType = "INTERACTIVE"
)

// StageConfig is the closed set of typed stage configurations.
type StageConfig interface {
	StageType() StageType
}

// StageEntry is one configured step of a pipeline.
type StageEntry struct {
	Type    StageType
	Enabled bool
	Config  StageConfig
}

// Config is the ordered stage list of a problem.
type Config struct {
	Stages []StageEntry
}

// CompileConfig configures the compile stage.
type CompileConfig struct {
	// Language overrides the submission language, mainly for function templates.
	Language      string `json:"language,omitempty"`
	CompilerFlags string `json:"compilerFlags,omitempty"`
	// UseMakefile=false forces a plain compile even when a Makefile is present.
	UseMakefile *bool `json:"useMakefile,omitempty"`
}

// CustomInput is an ad-hoc case. A bare JSON string is accepted as the input alone.
type CustomInput struct {
	Name           string `json:"name,omitempty"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput,omitempty"`
}

func (c *CustomInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Input)
	}
	type plain CustomInput
	return json.Unmarshal(data, (*plain)(c))
}

// ExecuteConfig configures the execute stage.
type ExecuteConfig struct {
	UseTestdata   *bool         `json:"useTestdata,omitempty"`
	CustomInputs  []CustomInput `json:"customInputs,omitempty"`
	TimeLimitMs   int64         `json:"timeLimitMs,omitempty"`
	MemoryLimitKb int64         `json:"memoryLimitKb,omitempty"`
}

// TestdataEnabled defaults to true.
func (c *ExecuteConfig) TestdataEnabled() bool {
	return c.UseTestdata == nil || *c.UseTestdata
}

// Check modes.
const (
	CheckModeDiff    = "diff"
	CheckModeChecker = "checker"
)

// CheckConfig configures the check stage.
type CheckConfig struct {
	Mode             string `json:"mode"`
	IgnoreWhitespace *bool  `json:"ignoreWhitespace,omitempty"`
	CaseSensitive    *bool  `json:"caseSensitive,omitempty"`
	CheckerKey       string `json:"checkerKey,omitempty"`
	CheckerLanguage  string `json:"checkerLanguage,omitempty"`
}

// UsesChecker reports whether a custom checker program decides the verdict.
func (c *CheckConfig) UsesChecker() bool {
	return c.Mode == CheckModeChecker || c.Mode == "custom-checker"
}

// Static analysis rule types.
const (
	RuleForbiddenFunction = "forbidden-function"
	RuleForbiddenLibrary  = "forbidden-library"
	RuleForbiddenSyntax   = "forbidden-syntax"
	RuleForbiddenKeyword  = "forbidden-keyword"
	RuleLinter            = "linter"
)

// PatternRule is one forbidden regular expression.
type PatternRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message,omitempty"`
}

func (p *PatternRule) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.Pattern)
	}
	type plain PatternRule
	return json.Unmarshal(data, (*plain)(p))
}

// AnalysisRule is one static analysis rule. Rule parameters may also be nested
// under "config" using the forbiddenFunctions/forbiddenLibraries/forbiddenPatterns keys.
type AnalysisRule struct {
	Type      string        `json:"type"`
	Severity  string        `json:"severity,omitempty"`
	Message   string        `json:"message,omitempty"`
	Functions []string      `json:"functions,omitempty"`
	Libraries []string      `json:"libraries,omitempty"`
	Patterns  []PatternRule `json:"patterns,omitempty"`
	Keywords  []string      `json:"keywords,omitempty"`
	Linter    string        `json:"linter,omitempty"`
}

func (r *AnalysisRule) UnmarshalJSON(data []byte) error {
	type plain AnalysisRule
	var aux struct {
		plain
		Config struct {
			ForbiddenFunctions []string      `json:"forbiddenFunctions"`
			ForbiddenLibraries []string      `json:"forbiddenLibraries"`
			ForbiddenPatterns  []PatternRule `json:"forbiddenPatterns"`
			Keywords           []string      `json:"keywords"`
		} `json:"config"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = AnalysisRule(aux.plain)
	r.Functions = append(r.Functions, aux.Config.ForbiddenFunctions...)
	r.Libraries = append(r.Libraries, aux.Config.ForbiddenLibraries...)
	r.Patterns = append(r.Patterns, aux.Config.ForbiddenPatterns...)
	r.Keywords = append(r.Keywords, aux.Config.Keywords...)
	return nil
}

// IsError reports whether violations of the rule are blocking; severity defaults to error.
func (r *AnalysisRule) IsError() bool {
	return r.Severity == "" || r.Severity == "error"
}

// StaticAnalysisConfig configures the static analysis stage.
type StaticAnalysisConfig struct {
	Rules       []AnalysisRule `json:"rules"`
	FailOnError *bool          `json:"failOnError,omitempty"`
}

// Scoring modes.
const (
	ScoringSum          = "sum"
	ScoringWeighted     = "weighted"
	ScoringCustomScript = "custom-script"
)

// Penalty rule types.
const (
	PenaltyLateSubmission = "late-submission"
	PenaltyMemoryUsage    = "memory-usage"
	PenaltyTimeUsage      = "time-usage"
)

// PenaltyConfig holds the parameters of every penalty kind; each kind reads its own.
type PenaltyConfig struct {
	Mode             string  `json:"mode,omitempty"`
	Rate             float64 `json:"rate,omitempty"`
	MaxPenalty       float64 `json:"maxPenalty,omitempty"`
	GracePeriodHours float64 `json:"gracePeriodHours,omitempty"`
	ThresholdMb      float64 `json:"thresholdMb,omitempty"`
	ThresholdMs      float64 `json:"thresholdMs,omitempty"`
	PenaltyRate      float64 `json:"penaltyRate,omitempty"`
}

// PenaltyRule is one score reduction applied after the raw score is computed.
type PenaltyRule struct {
	Type   string        `json:"type"`
	Config PenaltyConfig `json:"config"`
}

// ScoringConfig configures the scoring stage.
type ScoringConfig struct {
	Mode             string             `json:"mode"`
	Weights          map[string]float64 `json:"weights,omitempty"`
	SubtaskWeights   []float64          `json:"subtaskWeights,omitempty"`
	DefaultWeight    float64            `json:"defaultWeight,omitempty"`
	NormalizeToTotal float64            `json:"normalizeToTotal,omitempty"`
	ScriptKey        string             `json:"scriptKey,omitempty"`
	Penalties        []PenaltyRule      `json:"penalties,omitempty"`
}

func (c *ScoringConfig) UnmarshalJSON(data []byte) error {
	type plain ScoringConfig
	var aux struct {
		plain
		PenaltyRules []PenaltyRule `json:"penaltyRules"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = ScoringConfig(aux.plain)
	c.Penalties = append(c.Penalties, aux.PenaltyRules...)
	return nil
}

// InteractiveConfig configures the interactive stage.
type InteractiveConfig struct {
	InteractorKey      string `json:"interactorKey"`
	InteractorLanguage string `json:"interactorLanguage,omitempty"`
	TimeLimitMs        int64  `json:"timeLimitMs,omitempty"`
	MemoryLimitKb      int64  `json:"memoryLimitKb,omitempty"`
}

// UnknownConfig keeps the raw configuration of a stage type this build does not know.
// The executor reports it as an unregistered stage.
type UnknownConfig struct {
	Type StageType
	Raw  json.RawMessage
}

func (*CompileConfig) StageType() StageType        { return StageCompile }
func (*ExecuteConfig) StageType() StageType        { return StageExecute }
func (*CheckConfig) StageType() StageType          { return StageCheck }
func (*StaticAnalysisConfig) StageType() StageType { return StageStaticAnalysis }
func (*ScoringConfig) StageType() StageType        { return StageScoring }
func (*InteractiveConfig) StageType() StageType    { return StageInteractive }
func (c *UnknownConfig) StageType() StageType      { return c.Type }

type rawEntry struct {
	Type    string          `json:"type"`
	Config  json.RawMessage `json:"config"`
	Enabled *bool           `json:"enabled"`
}

// ParseConfig decodes a pipeline definition: either an array of stage entries
// or an object with a "stages" array. Empty input yields an empty config.
func ParseConfig(data []byte) (*Config, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &Config{}, nil
	}
	var entries []rawEntry
	if data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode pipeline stages: %w", err)
		}
	} else {
		var wrapped struct {
			Stages []rawEntry `json:"stages"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode pipeline config: %w", err)
		}
		entries = wrapped.Stages
	}

	cfg := &Config{Stages: make([]StageEntry, 0, len(entries))}
	for i, e := range entries {
		typ := StageType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(e.Type), "-", "_")))
		sc, err := decodeStageConfig(typ, e.Config)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, typ, err)
		}
		cfg.Stages = append(cfg.Stages, StageEntry{
			Type:    typ,
			Enabled: e.Enabled == nil || *e.Enabled,
			Config:  sc,
		})
	}
	return cfg, nil
}

func decodeStageConfig(typ StageType, raw json.RawMessage) (StageConfig, error) {
	var sc StageConfig
	switch typ {
	case StageCompile:
		sc = &CompileConfig{}
	case StageExecute:
		sc = &ExecuteConfig{}
	case StageCheck:
		sc = &CheckConfig{}
	case StageStaticAnalysis:
		sc = &StaticAnalysisConfig{}
	case StageScoring:
		sc = &ScoringConfig{}
	case StageInteractive:
		sc = &InteractiveConfig{}
	default:
		return &UnknownConfig{Type: typ, Raw: raw}, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return sc, nil
	}
	if err := json.Unmarshal(raw, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// DefaultConfig is used for problems without a pipeline definition:
// compile, execute against testdata, then a whitespace-tolerant diff.
func DefaultConfig() *Config {
	useTestdata := true
	ignoreWhitespace := true
	caseSensitive := true
	return &Config{Stages: []StageEntry{
		{Type: StageCompile, Enabled: true, Config: &CompileConfig{}},
		{Type: StageExecute, Enabled: true, Config: &ExecuteConfig{UseTestdata: &useTestdata}},
		{Type: StageCheck, Enabled: true, Config: &CheckConfig{
			Mode:             CheckModeDiff,
			IgnoreWhitespace: &ignoreWhitespace,
			CaseSensitive:    &caseSensitive,
		}},
	}}
}

// LoadConfig parses a stored definition and falls back to DefaultConfig when it has no stages.
func LoadConfig(data []byte) (*Config, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if len(cfg.Stages) == 0 {
		return DefaultConfig(), nil
	}
	return cfg, nil
}
