package stages

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	"nojudge/internal/judge/security"
	"nojudge/internal/judge/template"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const functionMaxBytes = 512 << 10

// Compile materializes the submission in src/ and builds it.
type Compile struct {
	runner    sandbox.Runner
	store     storage.ObjectStorage
	templates *template.Service
}

func NewCompile(runner sandbox.Runner, store storage.ObjectStorage, templates *template.Service) *Compile {
	return &Compile{runner: runner, store: store, templates: templates}
}

func (*Compile) Type() pipeline.StageType { return pipeline.StageCompile }

func (s *Compile) ValidateConfig(cfg pipeline.StageConfig) error {
	c, err := configOf[*pipeline.CompileConfig](cfg)
	if err != nil {
		return err
	}
	if c.Language != "" {
		if _, err := profile.ParseLanguage(c.Language); err != nil {
			return err
		}
	}
	return nil
}

func (s *Compile) Execute(ctx context.Context, pc *pipeline.Context, cfg pipeline.StageConfig) (pipeline.StageResult, error) {
	c, err := configOf[*pipeline.CompileConfig](cfg)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	if c.Language != "" {
		lang, err := profile.ParseLanguage(c.Language)
		if err != nil {
			return pipeline.StageResult{}, pkgerrors.Wrap(err, pkgerrors.StageConfigInvalid)
		}
		pc.Language = lang
	}
	p, err := profile.Lookup(pc.Language)
	if err != nil {
		return pipeline.StageResult{}, pkgerrors.Wrap(err, pkgerrors.LanguageNotSupported)
	}

	if err := s.prepare(ctx, pc, p); err != nil {
		return pipeline.StageResult{}, err
	}

	opts := sandbox.CompileOptions{CompilerFlags: c.CompilerFlags}
	makefile := s.useMakefile(pc, c)
	start := time.Now()
	var cr result.CompileResult
	if makefile {
		logger.Info(ctx, "compiling with makefile")
		cr, err = s.runner.CompileWithMakefile(ctx, pc.Job, pc.Language, opts)
	} else {
		cr, err = s.runner.Compile(ctx, pc.Job, pc.Language, opts)
	}
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return pipeline.StageResult{}, err
	}

	pc.CompileLog = cr.Log
	if cr.Status == result.StatusCE {
		logger.Info(ctx, "compilation failed", zap.Bool("makefile", makefile))
		return pipeline.StageResult{
			Status:  result.StatusCE,
			TimeMs:  elapsed,
			Stderr:  cr.Log,
			Abort:   true,
			Message: "compilation failed",
		}, nil
	}

	exe := filepath.Join(pc.Job.Dir, filepath.FromSlash(p.Executable))
	if _, err := os.Stat(exe); err != nil {
		logger.Warn(ctx, "executable missing after compile", zap.String("path", exe))
		return pipeline.StageResult{
			Status:  result.StatusCE,
			TimeMs:  elapsed,
			Stderr:  "compiled but executable not found",
			Abort:   true,
			Message: "compilation error",
		}, nil
	}

	pc.Data.Compiled = true
	pc.Data.ExecutablePath = exe
	return pipeline.StageResult{Status: result.StatusAC, TimeMs: elapsed, Message: "compiled"}, nil
}

func (s *Compile) prepare(ctx context.Context, pc *pipeline.Context, p profile.LanguageProfile) error {
	switch pc.Kind {
	case pipeline.KindMultiFile:
		names, err := listFiles(pc.SrcDir())
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "list sources")
		}
		if err := security.ValidateFileNames(names, pc.Language, security.MultiFileOptions{SkipMainFileCheck: pc.MakefileKey != ""}); err != nil {
			logger.Warn(ctx, "multi-file validation failed", zap.String("violation", security.CodeOf(err)))
			return err
		}
		if pc.MakefileKey == "" {
			return nil
		}
		data, err := storage.ReadAll(ctx, s.store, storage.BucketMakefiles, pc.MakefileKey)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.StorageError, "load makefile %s", pc.MakefileKey)
		}
		return os.WriteFile(filepath.Join(pc.SrcDir(), "Makefile"), data, 0o644)

	case pipeline.KindFunctionOnly:
		if err := security.ValidateSource(pc.SourceCode, pc.Language, "", security.SourceOptions{MaxBytes: functionMaxBytes}); err != nil {
			logger.Warn(ctx, "function validation failed", zap.String("violation", security.CodeOf(err)))
			return err
		}
		if pc.TemplateKey == "" {
			return pkgerrors.New(pkgerrors.TemplateInvalid).WithMessage("function-only submissions need a template")
		}
		merged, err := s.templates.Merge(ctx, pc.TemplateKey, pc.SourceCode)
		if err != nil {
			return err
		}
		return s.runner.WriteSource(ctx, pc.Job, pc.Language, merged)

	default:
		if err := security.ValidateSource(pc.SourceCode, pc.Language, p.SourceFile, security.SourceOptions{MaxBytes: security.DefaultMaxSourceBytes}); err != nil {
			logger.Warn(ctx, "source validation failed", zap.String("violation", security.CodeOf(err)))
			return err
		}
		return s.runner.WriteSource(ctx, pc.Job, pc.Language, pc.SourceCode)
	}
}

// useMakefile is true only for multi-file submissions that ship or receive a Makefile.
func (s *Compile) useMakefile(pc *pipeline.Context, c *pipeline.CompileConfig) bool {
	if pc.Kind != pipeline.KindMultiFile || (c.UseMakefile != nil && !*c.UseMakefile) {
		return false
	}
	for _, name := range []string{"Makefile", "makefile"} {
		if _, err := os.Stat(filepath.Join(pc.SrcDir(), name)); err == nil {
			return true
		}
	}
	return false
}

// listFiles returns the slash separated names of regular files under dir.
func listFiles(dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	return names, err
}

// sourceFiles returns host paths of submission sources in src/ for lang.
func sourceFiles(dir string, lang spec.Language) []string {
	p, err := profile.Lookup(lang)
	if err != nil {
		return nil
	}
	names, err := listFiles(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, n := range names {
		ext := filepath.Ext(n)
		header := (lang == spec.LanguageC || lang == spec.LanguageCPP) && (ext == ".h" || ext == ".hpp")
		if header || slices.Contains(p.Extensions, ext) {
			out = append(out, filepath.Join(dir, filepath.FromSlash(n)))
		}
	}
	return out
}
