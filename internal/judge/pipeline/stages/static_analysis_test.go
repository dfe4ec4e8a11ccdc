package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
)

const cLoop = `#include <stdio.h>
// for loops are banned here, but this comment is fine
int main() {
    char *s = "for while";
    for (int i = 0; i < 3; i++) printf("%d", i);
    system("ls");
    return 0;
}
`

func TestStaticAnalysisFindsViolations(t *testing.T) {
	f := newFixture(t, spec.LanguageC, cLoop)
	cfg := &pipeline.StaticAnalysisConfig{Rules: []pipeline.AnalysisRule{
		{Type: pipeline.RuleForbiddenKeyword, Keywords: []string{"for", "while"}},
		{Type: pipeline.RuleForbiddenFunction, Functions: []string{"system"}, Severity: "warning"},
		{Type: pipeline.RuleForbiddenLibrary, Libraries: []string{"stdio.h"}, Severity: "warning"},
	}}

	res, err := NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusSA || !res.Abort {
		t.Fatalf("status = %s abort = %v", res.Status, res.Abort)
	}
	vs := res.Details["violations"].([]Violation)
	if res.Details["errorCount"] != 1 || res.Details["warningCount"] != 2 {
		t.Fatalf("violations = %+v", vs)
	}
	for _, v := range vs {
		if v.Message == "forbidden keyword: for" && (v.Line != 5 || v.Column != 5) {
			t.Fatalf("for reported at %d:%d", v.Line, v.Column)
		}
	}
	if !strings.Contains(res.Stderr, "[ERROR] Line 5: forbidden keyword: for") {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestStaticAnalysisWarningsPass(t *testing.T) {
	f := newFixture(t, spec.LanguageC, cLoop)
	cfg := &pipeline.StaticAnalysisConfig{
		Rules:       []pipeline.AnalysisRule{{Type: pipeline.RuleForbiddenKeyword, Keywords: []string{"for"}}},
		FailOnError: boolPtr(false),
	}
	res, err := NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusAC || res.Abort {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestStaticAnalysisPythonImports(t *testing.T) {
	code := "import os\n# import subprocess\ntext = 'from socket import x'\nfrom subprocess import run\n"
	f := newFixture(t, spec.LanguagePython, code)
	cfg := &pipeline.StaticAnalysisConfig{Rules: []pipeline.AnalysisRule{
		{Type: pipeline.RuleForbiddenLibrary, Libraries: []string{"subprocess", "socket"}},
	}}
	res, err := NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	vs := res.Details["violations"].([]Violation)
	if len(vs) != 1 || vs[0].Line != 4 {
		t.Fatalf("violations = %+v", vs)
	}
}

func TestStaticAnalysisMultiFile(t *testing.T) {
	f := newFixture(t, spec.LanguageCPP, "")
	f.pc.Kind = pipeline.KindMultiFile
	files := map[string]string{
		"main.cpp":     "#include \"util.h\"\nint main(){ return helper(); }\n",
		"lib/util.h":   "int helper();\n",
		"lib/util.cpp": "int helper(){ goto end; end: return 0; }\n",
		"README.md":    "goto is banned\n",
	}
	for name, body := range files {
		p := filepath.Join(f.pc.SrcDir(), filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &pipeline.StaticAnalysisConfig{Rules: []pipeline.AnalysisRule{
		{Type: pipeline.RuleForbiddenSyntax, Patterns: []pipeline.PatternRule{{Pattern: `\bgoto\b`, Message: "goto is not allowed"}}},
	}}
	res, err := NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	vs := res.Details["violations"].([]Violation)
	if len(vs) != 1 || vs[0].File != "lib/util.cpp" || vs[0].Message != "goto is not allowed" {
		t.Fatalf("violations = %+v", vs)
	}
}

func TestStaticAnalysisLinter(t *testing.T) {
	f := newFixture(t, spec.LanguagePython, "print(x)\n")
	f.runner.LintFn = func(job *sandbox.JobContext, lang spec.Language) (result.LintResult, error) {
		if _, err := os.Stat(filepath.Join(job.SrcDir(), "main.py")); err != nil {
			t.Errorf("source not written before lint: %v", err)
		}
		return result.LintResult{Output: `[{"type":"error","message-id":"E0602","message":"Undefined variable 'x'","line":1,"column":6},
			{"type":"convention","message-id":"C0114","message":"Missing module docstring","line":1,"column":0}]`}, nil
	}
	cfg := &pipeline.StaticAnalysisConfig{Rules: []pipeline.AnalysisRule{{Type: pipeline.RuleLinter, Severity: "warning"}}}

	res, err := NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusAC || res.Abort {
		t.Fatalf("warning-level linter rule blocked: status = %s abort = %v", res.Status, res.Abort)
	}
	if !strings.Contains(res.Stdout, "[ERROR] Line 1: [E0602] Undefined variable 'x'") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Details["errorCount"] != 1 || res.Details["warningCount"] != 1 {
		t.Fatalf("details = %+v", res.Details)
	}

	cfg.Rules[0].Severity = ""
	res, err = NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != result.StatusSA || !res.Abort {
		t.Fatalf("error-level linter rule: status = %s abort = %v", res.Status, res.Abort)
	}
	if !strings.Contains(res.Stderr, "[E0602]") {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestStaticAnalysisLinterFailureIsIgnored(t *testing.T) {
	f := newFixture(t, spec.LanguageC, "int main(){}")
	f.runner.LintFn = func(*sandbox.JobContext, spec.Language) (result.LintResult, error) {
		return result.LintResult{}, errors.New("clang-tidy missing")
	}
	cfg := &pipeline.StaticAnalysisConfig{Rules: []pipeline.AnalysisRule{{Type: pipeline.RuleLinter}}}
	res, err := NewStaticAnalysis(f.runner).Execute(context.Background(), f.pc, cfg)
	if err != nil || res.Status != result.StatusAC {
		t.Fatalf("status = %s err = %v", res.Status, err)
	}
}

func TestParseClangTidy(t *testing.T) {
	out := "/work/src/main.c:3:5: warning: variable 'x' is unused [clang-diagnostic]\n" +
		"/work/src/main.c:7:1: error: unknown type name 'strng'\n" +
		"Suppressed 12 warnings\n"
	vs := ParseClangTidy(out, severityWarning)
	if len(vs) != 2 {
		t.Fatalf("violations = %+v", vs)
	}
	if vs[0].Severity != severityWarning || vs[1].Severity != severityError || vs[1].Line != 7 || vs[1].File != "main.c" {
		t.Fatalf("violations = %+v", vs)
	}
}

func TestStaticAnalysisValidateConfig(t *testing.T) {
	s := NewStaticAnalysis(nil)
	if err := s.ValidateConfig(&pipeline.StaticAnalysisConfig{}); err == nil {
		t.Fatalf("empty rules accepted")
	}
	bad := &pipeline.StaticAnalysisConfig{Rules: []pipeline.AnalysisRule{
		{Type: pipeline.RuleForbiddenSyntax, Patterns: []pipeline.PatternRule{{Pattern: "("}}},
	}}
	if err := s.ValidateConfig(bad); err == nil {
		t.Fatalf("invalid pattern accepted")
	}
}

func TestBlankLiteralsKeepsLines(t *testing.T) {
	code := "a = \"x\" /* c\nd */ b // e\n"
	got := blankLiterals(code, spec.LanguageC, true)
	if len(got) != len(code) || strings.Count(got, "\n") != strings.Count(code, "\n") {
		t.Fatalf("blankLiterals changed layout: %q", got)
	}
	if strings.ContainsAny(got, "xcde") {
		t.Fatalf("literals survived: %q", got)
	}
}
