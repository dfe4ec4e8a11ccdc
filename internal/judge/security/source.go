package security

import (
	"path"
	"regexp"
	"strings"

	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/spec"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultMaxSourceBytes bounds single-file submissions.
const DefaultMaxSourceBytes = 1 << 20

var dangerousSourceNames = mapset.NewSet(
	".env",
	"docker-compose.yml",
	"dockerfile",
	"package.json",
	"tsconfig.json",
)

// Patterns that often indicate process or interpreter escapes. Many have legitimate
// uses, so the check is opt-in.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)import\s+subprocess`),
	regexp.MustCompile(`(?m)import\s+os\s*$`),
	regexp.MustCompile(`(?i)from\s+os\s+import`),
	regexp.MustCompile(`exec\s*\(`),
	regexp.MustCompile(`eval\s*\(`),
	regexp.MustCompile(`compile\s*\(`),
	regexp.MustCompile(`__import__\s*\(`),
	regexp.MustCompile(`system\s*\(`),
	regexp.MustCompile(`popen\s*\(`),
	regexp.MustCompile(`fork\s*\(`),
	regexp.MustCompile(`execve?\s*\(`),
}

// SourceOptions tunes single-file validation.
type SourceOptions struct {
	// MaxBytes defaults to DefaultMaxSourceBytes.
	MaxBytes               int
	AllowEmpty             bool
	CheckSuspiciousPattern bool
}

// ValidateSource checks a single-file submission. fileName may be empty.
func ValidateSource(code string, lang spec.Language, fileName string, opts SourceOptions) error {
	limit := opts.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxSourceBytes
	}
	if len(code) > limit {
		return sourceError(CodeSourceTooLarge, "source size %d exceeds limit %d", len(code), limit)
	}
	if !opts.AllowEmpty && strings.TrimSpace(code) == "" {
		return sourceError(CodeSourceEmpty, "source must not be empty")
	}

	if fileName != "" {
		if dangerousSourceNames.Contains(strings.ToLower(fileName)) {
			return sourceError(CodeSourceDangerousName, "file name not allowed: %s", fileName)
		}
		if idx := strings.LastIndex(fileName, "."); idx >= 0 {
			ext := strings.ToLower(fileName[idx:])
			if p, err := profile.Lookup(lang); err == nil && !mapset.NewSet(p.Extensions...).Contains(ext) {
				return sourceError(CodeSourceExtMismatch, "extension %s does not match language %s", ext, lang)
			}
		}
	}

	if opts.CheckSuspiciousPattern {
		for _, re := range suspiciousPatterns {
			if re.MatchString(code) {
				return sourceError(CodeSourceSuspicious, "suspicious pattern: %s", re.String())
			}
		}
	}
	return nil
}

// MultiFileOptions tunes multi-file validation.
type MultiFileOptions struct {
	// SkipMainFileCheck is set when a Makefile drives the build.
	SkipMainFileCheck bool
}

// ValidateFileNames checks the entry names of a multi-file submission.
func ValidateFileNames(names []string, lang spec.Language, opts MultiFileOptions) error {
	if len(names) == 0 {
		return sourceError(CodeSourceNoFiles, "submission must contain at least one file")
	}
	for _, name := range names {
		if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
			return sourceError(CodeSourceUnsafePath, "unsafe file path: %s", name)
		}
		base := path.Base(name)
		if strings.HasPrefix(base, ".") && base != ".gitignore" {
			return sourceError(CodeSourceHiddenFile, "hidden file not allowed: %s", name)
		}
	}
	if opts.SkipMainFileCheck {
		return nil
	}
	p, err := profile.Lookup(lang)
	if err != nil {
		return sourceError(CodeSourceNoMainFile, "missing main file (%s)", profile.MainFileName(lang))
	}
	mains := mapset.NewSet(p.MainFiles...)
	for _, name := range names {
		if mains.Contains(strings.ToLower(path.Base(name))) {
			return nil
		}
	}
	return sourceError(CodeSourceNoMainFile, "missing main file (%s)", profile.MainFileName(lang))
}

// HasMakefile reports whether names contain a Makefile at any depth.
func HasMakefile(names []string) bool {
	for _, name := range names {
		if b := path.Base(name); b == "Makefile" || b == "makefile" {
			return true
		}
	}
	return false
}
