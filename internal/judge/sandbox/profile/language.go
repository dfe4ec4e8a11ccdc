// Package profile maps submission languages to their workspace layout and commands.
package profile

import (
	"fmt"
	"strings"

	"nojudge/internal/judge/sandbox/spec"
)

// LanguageProfile describes where a language's source and build output live.
type LanguageProfile struct {
	Language spec.Language
	// SourceFile is the file name written under src/.
	SourceFile string
	// Executable is the path relative to the job directory that must exist after a successful build.
	Executable string
	// Extensions accepted for single-file submissions.
	Extensions []string
	// MainFiles are the entry-point names accepted in multi-file submissions, lower case.
	MainFiles []string
	// RunCommand starts the built program from /work for interactive runs.
	RunCommand string
}

var profiles = map[spec.Language]LanguageProfile{
	spec.LanguageC: {
		Language:   spec.LanguageC,
		SourceFile: "main.c",
		Executable: "build/main",
		Extensions: []string{".c"},
		MainFiles:  []string{"main.c"},
		RunCommand: "/work/build/main",
	},
	spec.LanguageCPP: {
		Language:   spec.LanguageCPP,
		SourceFile: "main.cpp",
		Executable: "build/main",
		Extensions: []string{".cpp", ".cc", ".cxx"},
		MainFiles:  []string{"main.cpp", "main.cc", "main.cxx"},
		RunCommand: "/work/build/main",
	},
	spec.LanguageJava: {
		Language:   spec.LanguageJava,
		SourceFile: "Main.java",
		Executable: "build/Main.class",
		Extensions: []string{".java"},
		MainFiles:  []string{"main.java"},
		RunCommand: "java -Xlog:gc=off -cp /work/build Main",
	},
	spec.LanguagePython: {
		Language:   spec.LanguagePython,
		SourceFile: "main.py",
		Executable: "src/main.py",
		Extensions: []string{".py"},
		MainFiles:  []string{"main.py"},
		RunCommand: "python3 /work/src/main.py",
	},
}

// Lookup returns the profile for lang.
func Lookup(lang spec.Language) (LanguageProfile, error) {
	p, ok := profiles[lang]
	if !ok {
		return LanguageProfile{}, fmt.Errorf("unsupported language: %s", lang)
	}
	return p, nil
}

// ParseLanguage normalizes user supplied names such as "cpp", "C++" or "python3".
func ParseLanguage(raw string) (spec.Language, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "C":
		return spec.LanguageC, nil
	case "CPP", "C++", "CXX":
		return spec.LanguageCPP, nil
	case "JAVA":
		return spec.LanguageJava, nil
	case "PYTHON", "PYTHON3", "PY":
		return spec.LanguagePython, nil
	}
	return "", fmt.Errorf("unsupported language: %q", raw)
}

// NeedsCompile reports whether lang produces a build artifact.
func NeedsCompile(lang spec.Language) bool {
	return lang != spec.LanguagePython
}

// MainFileName is the canonical entry-point name shown in validation messages.
func MainFileName(lang spec.Language) string {
	if p, ok := profiles[lang]; ok {
		return p.SourceFile
	}
	return "main.*"
}
