package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	severityError   = "error"
	severityWarning = "warning"
)

// Violation is one static analysis finding. Line and Column are 1-based.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// StaticAnalysis rejects sources that use forbidden constructs before anything runs.
type StaticAnalysis struct {
	runner sandbox.Runner
}

func NewStaticAnalysis(runner sandbox.Runner) *StaticAnalysis {
	return &StaticAnalysis{runner: runner}
}

func (*StaticAnalysis) Type() pipeline.StageType { return pipeline.StageStaticAnalysis }

func (s *StaticAnalysis) ValidateConfig(cfg pipeline.StageConfig) error {
	c, err := configOf[*pipeline.StaticAnalysisConfig](cfg)
	if err != nil {
		return err
	}
	if len(c.Rules) == 0 {
		return pkgerrors.New(pkgerrors.StageConfigInvalid).WithMessage("at least one rule is required")
	}
	for i, r := range c.Rules {
		for _, p := range r.Patterns {
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return pkgerrors.Wrapf(err, pkgerrors.StageConfigInvalid, "rule %d pattern %q", i, p.Pattern)
			}
		}
	}
	return nil
}

// sourceUnit is one file to scan with its literal-free variants.
type sourceUnit struct {
	name       string
	noComments string
	codeOnly   string
}

func (s *StaticAnalysis) Execute(ctx context.Context, pc *pipeline.Context, cfg pipeline.StageConfig) (pipeline.StageResult, error) {
	c, err := configOf[*pipeline.StaticAnalysisConfig](cfg)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	units := s.units(ctx, pc)
	var violations []Violation
	// Blocking follows the rule's severity; a linter may still report
	// its own error items under a warning-level rule.
	blocking := false
	for _, rule := range c.Rules {
		var found []Violation
		if rule.Type == pipeline.RuleLinter {
			found = s.lint(ctx, pc, rule)
		} else {
			for _, u := range units {
				vs, err := scanRule(rule, u)
				if err != nil {
					return pipeline.StageResult{}, err
				}
				found = append(found, vs...)
			}
		}
		if len(found) > 0 && rule.IsError() {
			blocking = true
		}
		violations = append(violations, found...)
	}

	var errorCount, warningCount int
	for _, v := range violations {
		if v.Severity == severityError {
			errorCount++
		} else {
			warningCount++
		}
	}
	details := map[string]any{
		"violations":   violations,
		"errorCount":   errorCount,
		"warningCount": warningCount,
	}
	logger.Info(ctx, "static analysis finished", zap.Int("errors", errorCount), zap.Int("warnings", warningCount))

	failOnError := c.FailOnError == nil || *c.FailOnError
	if failOnError && blocking {
		return pipeline.StageResult{
			Status:  result.StatusSA,
			Stderr:  FormatViolations(violations),
			Details: details,
			Abort:   true,
			Message: fmt.Sprintf("static analysis failed with %d error(s)", errorCount),
		}, nil
	}
	return pipeline.StageResult{
		Status:  result.StatusAC,
		Stdout:  FormatViolations(violations),
		Details: details,
		Message: fmt.Sprintf("%d warning(s)", warningCount),
	}, nil
}

// units returns the inline source, or the unpacked sources of a multi-file submission.
func (s *StaticAnalysis) units(ctx context.Context, pc *pipeline.Context) []sourceUnit {
	if pc.Kind != pipeline.KindMultiFile {
		return []sourceUnit{newSourceUnit("", pc.SourceCode, pc.Language)}
	}
	var out []sourceUnit
	for _, p := range sourceFiles(pc.SrcDir(), pc.Language) {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warn(ctx, "source skipped by static analysis", zap.String("file", p), zap.Error(err))
			continue
		}
		rel, _ := filepath.Rel(pc.SrcDir(), p)
		out = append(out, newSourceUnit(filepath.ToSlash(rel), string(data), pc.Language))
	}
	return out
}

func newSourceUnit(name, code string, lang spec.Language) sourceUnit {
	return sourceUnit{
		name:       name,
		noComments: blankLiterals(code, lang, false),
		codeOnly:   blankLiterals(code, lang, true),
	}
}

func scanRule(rule pipeline.AnalysisRule, u sourceUnit) ([]Violation, error) {
	severity := severityWarning
	if rule.IsError() {
		severity = severityError
	}
	var out []Violation
	add := func(text string, re *regexp.Regexp, msg string) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			line, col := position(text, loc[0])
			out = append(out, Violation{Rule: rule.Type, Severity: severity, Message: msg, File: u.name, Line: line, Column: col})
		}
	}

	switch rule.Type {
	case pipeline.RuleForbiddenFunction:
		for _, fn := range rule.Functions {
			add(u.codeOnly, regexp.MustCompile(`\b`+regexp.QuoteMeta(fn)+`\s*\(`), ruleMessage(rule, "forbidden function", fn))
		}
	case pipeline.RuleForbiddenLibrary:
		for _, lib := range rule.Libraries {
			q := regexp.QuoteMeta(lib)
			msg := ruleMessage(rule, "forbidden library", lib)
			// include paths are string literals, so only comments are blanked here
			add(u.noComments, regexp.MustCompile(`#\s*include\s*[<"]`+q+`[>"]`), msg)
			add(u.noComments, regexp.MustCompile(`(?m)^\s*(?:import|from)\s+`+q+`\b`), msg)
		}
	case pipeline.RuleForbiddenSyntax:
		for _, p := range rule.Patterns {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.StageConfigInvalid, "pattern %q", p.Pattern)
			}
			msg := p.Message
			if msg == "" {
				msg = ruleMessage(rule, "forbidden syntax", p.Pattern)
			}
			add(u.codeOnly, re, msg)
		}
	case pipeline.RuleForbiddenKeyword:
		for _, kw := range rule.Keywords {
			add(u.codeOnly, regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`), ruleMessage(rule, "forbidden keyword", kw))
		}
	}
	return out, nil
}

func ruleMessage(rule pipeline.AnalysisRule, kind, subject string) string {
	if rule.Message != "" {
		return rule.Message + ": " + subject
	}
	return kind + ": " + subject
}

// position converts a byte offset into a 1-based line and column.
func position(text string, offset int) (int, int) {
	before := text[:offset]
	line := strings.Count(before, "\n") + 1
	return line, offset - strings.LastIndexByte(before, '\n')
}

// blankLiterals replaces comments, and string literals when withStrings is set,
// with spaces. Newlines are kept so offsets and line numbers still match the input.
func blankLiterals(code string, lang spec.Language, withStrings bool) string {
	b := []byte(code)
	blank := func(from, to int) {
		for i := from; i < to && i < len(b); i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	n := len(b)
	python := lang == spec.LanguagePython
	for i := 0; i < n; {
		switch {
		case python && b[i] == '#':
			end := indexFrom(b, i, "\n", n)
			blank(i, end)
			i = end
		case !python && b[i] == '/' && i+1 < n && b[i+1] == '/':
			end := indexFrom(b, i, "\n", n)
			blank(i, end)
			i = end
		case !python && b[i] == '/' && i+1 < n && b[i+1] == '*':
			end := indexFrom(b, i+2, "*/", n)
			if end < n {
				end += 2
			}
			blank(i, end)
			i = end
		case python && i+2 < n && (b[i] == '"' || b[i] == '\'') && b[i+1] == b[i] && b[i+2] == b[i]:
			end := indexFrom(b, i+3, string([]byte{b[i], b[i], b[i]}), n)
			if end < n {
				end += 3
			}
			if withStrings {
				blank(i, end)
			}
			i = end
		case b[i] == '"' || b[i] == '\'':
			end := quotedEnd(b, i)
			if withStrings {
				blank(i, end)
			}
			i = end
		default:
			i++
		}
	}
	return string(b)
}

func indexFrom(b []byte, from int, sep string, n int) int {
	if from >= n {
		return n
	}
	if j := strings.Index(string(b[from:]), sep); j >= 0 {
		return from + j
	}
	return n
}

// quotedEnd returns the offset just past the literal opened at start. An
// unterminated literal ends at the line break.
func quotedEnd(b []byte, start int) int {
	q := b[start]
	for i := start + 1; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case q:
			return i + 1
		case '\n':
			return i
		}
	}
	return len(b)
}

// lint runs the language linter in the sandbox. Linter failures never block judging.
func (s *StaticAnalysis) lint(ctx context.Context, pc *pipeline.Context, rule pipeline.AnalysisRule) []Violation {
	if needsSource(pc) {
		if err := s.runner.WriteSource(ctx, pc.Job, pc.Language, pc.SourceCode); err != nil {
			logger.Warn(ctx, "linter source write failed", zap.Error(err))
			return nil
		}
	}
	res, err := s.runner.Lint(ctx, pc.Job, pc.Language)
	if err != nil {
		logger.Warn(ctx, "linter failed", zap.Error(err))
		return nil
	}
	defaultSeverity := severityWarning
	if rule.IsError() {
		defaultSeverity = severityError
	}
	var out []Violation
	switch pc.Language {
	case spec.LanguagePython:
		out = ParsePylint(res.Output, defaultSeverity)
	case spec.LanguageC, spec.LanguageCPP:
		out = ParseClangTidy(res.Output, defaultSeverity)
	}
	logger.Debug(ctx, "linter finished", zap.Int("violations", len(out)))
	return out
}

// needsSource is true when analysis runs before compile has written the source.
func needsSource(pc *pipeline.Context) bool {
	if pc.Kind == pipeline.KindMultiFile || pc.SourceCode == "" {
		return false
	}
	p, err := profile.Lookup(pc.Language)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(pc.SrcDir(), p.SourceFile))
	return os.IsNotExist(err)
}

// ParsePylint reads pylint's JSON report. Output that is not a JSON array yields nothing.
func ParsePylint(output, defaultSeverity string) []Violation {
	var items []struct {
		Type      string `json:"type"`
		MessageID string `json:"message-id"`
		Message   string `json:"message"`
		Line      int    `json:"line"`
		Column    int    `json:"column"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &items); err != nil {
		return nil
	}
	out := make([]Violation, 0, len(items))
	for _, it := range items {
		sev := defaultSeverity
		if it.Type == "error" || it.Type == "fatal" {
			sev = severityError
		}
		out = append(out, Violation{
			Rule:     pipeline.RuleLinter,
			Severity: sev,
			Message:  fmt.Sprintf("[%s] %s", it.MessageID, it.Message),
			Line:     it.Line,
			Column:   it.Column,
		})
	}
	return out
}

var clangTidyLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(warning|error|note):\s*(.+)$`)

// ParseClangTidy reads "file:line:col: severity: message" lines.
func ParseClangTidy(output, defaultSeverity string) []Violation {
	var out []Violation
	for _, line := range strings.Split(output, "\n") {
		m := clangTidyLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		sev := defaultSeverity
		if m[4] == severityError {
			sev = severityError
		}
		out = append(out, Violation{
			Rule:     pipeline.RuleLinter,
			Severity: sev,
			Message:  m[5],
			File:     filepath.Base(m[1]),
			Line:     ln,
			Column:   col,
		})
	}
	return out
}

// FormatViolations renders one "[SEVERITY] Line n: message" line per violation.
func FormatViolations(vs []Violation) string {
	lines := make([]string, 0, len(vs))
	for _, v := range vs {
		line := "?"
		if v.Line > 0 {
			line = strconv.Itoa(v.Line)
		}
		lines = append(lines, fmt.Sprintf("[%s] Line %s: %s", strings.ToUpper(v.Severity), line, v.Message))
	}
	return strings.Join(lines, "\n")
}
