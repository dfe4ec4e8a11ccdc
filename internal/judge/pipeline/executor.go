package pipeline

import (
	"context"
	"fmt"
	"time"

	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/security"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/contextkey"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// ResultStore persists stage results as they are produced.
type ResultStore interface {
	SaveStageResult(ctx context.Context, submissionID string, r StageResult) error
}

// ArtifactUploader bundles files matching patterns under dir and uploads them.
// It returns an empty key when nothing matched.
type ArtifactUploader interface {
	Upload(ctx context.Context, submissionID, dir string, patterns []string) (string, error)
}

// StageObserver records stage timing.
type StageObserver interface {
	ObserveStage(stage, status string, d time.Duration)
}

// Executor runs a pipeline configuration against a context.
type Executor struct {
	registry  *Registry
	store     ResultStore
	artifacts ArtifactUploader
	observer  StageObserver
}

// NewExecutor builds an executor. store, artifacts and observer may be nil.
func NewExecutor(registry *Registry, store ResultStore, artifacts ArtifactUploader, observer StageObserver) *Executor {
	return &Executor{registry: registry, store: store, artifacts: artifacts, observer: observer}
}

// Execute runs the enabled stages of cfg in order until one aborts.
func (e *Executor) Execute(ctx context.Context, pc *Context, cfg *Config) *ExecutionResult {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, pc.SubmissionID)
	logger.Info(ctx, "pipeline started", zap.Int("stages", len(cfg.Stages)))

	var (
		results []StageResult
		status  = result.StatusPending
		aborted bool
	)

	for i, entry := range cfg.Stages {
		if !entry.Enabled {
			logger.Debug(ctx, "stage disabled, skipping", zap.Int("order", i), zap.String("stage", string(entry.Type)))
			continue
		}
		if aborted {
			logger.Warn(ctx, "previous stage aborted, stopping pipeline", zap.Int("order", i))
			break
		}

		stageCtx := context.WithValue(ctx, contextkey.Stage, string(entry.Type))
		stage, ok := e.registry.Lookup(entry.Type)
		if !ok {
			err := pkgerrors.Newf(pkgerrors.StageNotRegistered, "stage %s is not registered", entry.Type)
			logger.Error(stageCtx, "stage not registered", zap.Error(err))
			results = append(results, systemErrorResult(entry.Type, i, err))
			status, aborted = result.StatusJudgeError, true
			break
		}
		if err := e.registry.Validate(entry.Type, entry.Config); err != nil {
			logger.Error(stageCtx, "stage config invalid", zap.Error(err))
			results = append(results, systemErrorResult(entry.Type, i, err))
			status, aborted = result.StatusJudgeError, true
			break
		}

		res := e.runStage(stageCtx, stage, pc, entry, i)
		results = append(results, res)
		e.persist(stageCtx, pc.SubmissionID, res)

		if !res.Succeeded() {
			status = res.Status
		}
		if res.Abort {
			aborted = true
		}
	}

	if (status == result.StatusPending || status == result.StatusRunning) && allSucceeded(results) {
		status = result.StatusAC
	}

	out := &ExecutionResult{
		FinalStatus:  status,
		StageResults: results,
		Cases:        pc.Cases,
		CompileLog:   pc.CompileLog,
		Summary: Summary{
			TotalStages:     len(cfg.Stages),
			CompletedStages: len(results),
			Aborted:         aborted,
		},
	}
	if pc.Data.Scored {
		out.RawScore = pc.Data.RawScore
		out.Score = pc.Data.FinalScore
	}
	out.ArtifactsKey = e.collectArtifacts(ctx, pc)

	logger.Info(ctx, "pipeline finished",
		zap.String("status", string(out.FinalStatus)),
		zap.Float64("score", out.Score),
		zap.Bool("aborted", aborted))
	return out
}

func (e *Executor) runStage(ctx context.Context, stage Stage, pc *Context, entry StageEntry, order int) (res StageResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := pkgerrors.Newf(pkgerrors.JudgeSystemError, "stage %s panicked: %v", entry.Type, r)
			logger.Error(ctx, "stage panicked", zap.Error(err), zap.String("stack", err.Stack))
			res = systemErrorResult(entry.Type, order, err)
		}
		res.Duration = time.Since(start)
		if e.observer != nil {
			e.observer.ObserveStage(string(entry.Type), string(res.Status), res.Duration)
		}
		logger.Info(ctx, "stage finished",
			zap.Int("order", order),
			zap.String("status", string(res.Status)),
			zap.Duration("duration", res.Duration))
	}()

	res, err := stage.Execute(ctx, pc, entry.Config)
	if err != nil {
		logger.Error(ctx, "stage failed", zap.Error(err))
		return systemErrorResult(entry.Type, order, err)
	}
	res.Stage = entry.Type
	res.Order = order
	return res
}

func (e *Executor) persist(ctx context.Context, submissionID string, res StageResult) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveStageResult(ctx, submissionID, res); err != nil {
		logger.Error(ctx, "save stage result failed", zap.Error(err))
	}
}

// collectArtifacts is best effort: failures are logged and never affect the verdict.
func (e *Executor) collectArtifacts(ctx context.Context, pc *Context) string {
	if e.artifacts == nil || len(pc.ArtifactPaths) == 0 || pc.Job == nil {
		return ""
	}
	key, err := e.artifacts.Upload(ctx, pc.SubmissionID, pc.Job.Dir, pc.ArtifactPaths)
	if err != nil {
		logger.Warn(ctx, "artifact collection failed", zap.Error(err))
		return ""
	}
	return key
}

func allSucceeded(results []StageResult) bool {
	for _, r := range results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// systemErrorResult turns a judge system failure into an aborting stage result.
// Security violations keep their code in stderr for operators; the message stays generic.
func systemErrorResult(typ StageType, order int, err error) StageResult {
	appErr := pkgerrors.GetError(err)
	stderr := err.Error()
	if code := security.CodeOf(err); code != "" {
		stderr = fmt.Sprintf("%s: %s", code, stderr)
	}
	return StageResult{
		Stage:   typ,
		Order:   order,
		Status:  result.StatusJudgeError,
		Stderr:  stderr,
		Abort:   true,
		Message: appErr.PublicMessage(),
		Details: map[string]any{"code": int(appErr.Code)},
	}
}
