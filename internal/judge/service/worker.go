// Package service consumes judge jobs and drives each submission through its pipeline.
package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"nojudge/internal/common/mq"
	"nojudge/internal/common/storage"
	"nojudge/internal/judge/model"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/repository"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/security"
	"nojudge/internal/judge/testdata"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/contextkey"
	"nojudge/pkg/utils/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// MaxSubmissionArchiveBytes bounds the unpacked size of a multi-file submission.
const MaxSubmissionArchiveBytes int64 = 50 << 20

// SubmissionStore is the persistence the worker needs.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, *model.Problem, error)
	MarkRunning(ctx context.Context, submissionID string) error
	SaveResult(ctx context.Context, submissionID string, res *pipeline.ExecutionResult) error
	MarkJudgeError(ctx context.Context, submissionID, message string) error
}

// TestdataFetcher returns the cached testdata of a problem, nil when it has none.
type TestdataFetcher interface {
	Fetch(ctx context.Context, problemID string, minVersion int) (*testdata.Testdata, error)
}

// PipelineExecutor runs a configured pipeline.
type PipelineExecutor interface {
	Execute(ctx context.Context, pc *pipeline.Context, cfg *pipeline.Config) *pipeline.ExecutionResult
}

// StatusStore keeps the latest status snapshot of a submission.
type StatusStore interface {
	Save(ctx context.Context, status model.JudgeStatus) error
}

// Metrics observes finished submissions and the in-flight count.
type Metrics interface {
	ObserveSubmission(status string)
	JudgeStarted()
	JudgeFinished()
}

type nopMetrics struct{}

func (nopMetrics) ObserveSubmission(string) {}
func (nopMetrics) JudgeStarted()            {}
func (nopMetrics) JudgeFinished()           {}

// InFlightJob describes a submission currently being judged.
type InFlightJob struct {
	SubmissionID string    `json:"submissionId"`
	ProblemID    string    `json:"problemId,omitempty"`
	Language     string    `json:"language,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

// Service handles judge jobs.
type Service struct {
	runner      sandbox.Runner
	executor    PipelineExecutor
	submissions SubmissionStore
	testdata    TestdataFetcher
	storage     storage.ObjectStorage
	statuses    StatusStore
	publisher   repository.StatusPublisher
	metrics     Metrics

	queue         mq.Producer
	retryTopic    string
	deadLetter    string
	poolRetryMax  int
	poolRetryBase time.Duration
	poolRetryMaxD time.Duration

	jobTimeout     time.Duration
	storageTimeout time.Duration
	statusTimeout  time.Duration

	sem      chan struct{}
	inFlight *xsync.MapOf[string, InFlightJob]
	now      func() time.Time
}

// Config holds service dependencies and settings.
type Config struct {
	Runner      sandbox.Runner
	Executor    PipelineExecutor
	Submissions SubmissionStore
	Testdata    TestdataFetcher
	Storage     storage.ObjectStorage
	// Statuses, Publisher and Metrics are optional.
	Statuses  StatusStore
	Publisher repository.StatusPublisher
	Metrics   Metrics

	// Queue and RetryTopic enable requeueing when every worker slot is busy.
	Queue             mq.Producer
	RetryTopic        string
	DeadLetterTopic   string
	PoolRetryMax      int
	PoolRetryBase     time.Duration
	PoolRetryMaxDelay time.Duration

	WorkerPoolSize int
	JobTimeout     time.Duration
	StorageTimeout time.Duration
	StatusTimeout  time.Duration
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("sandbox runner is required")
	}
	if cfg.Executor == nil {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("pipeline executor is required")
	}
	if cfg.Submissions == nil {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("submission store is required")
	}
	if cfg.Testdata == nil {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("testdata cache is required")
	}
	if cfg.Storage == nil {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("storage client is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	var metrics Metrics = nopMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	return &Service{
		runner:         cfg.Runner,
		executor:       cfg.Executor,
		submissions:    cfg.Submissions,
		testdata:       cfg.Testdata,
		storage:        cfg.Storage,
		statuses:       cfg.Statuses,
		publisher:      cfg.Publisher,
		metrics:        metrics,
		queue:          cfg.Queue,
		retryTopic:     cfg.RetryTopic,
		deadLetter:     cfg.DeadLetterTopic,
		poolRetryMax:   cfg.PoolRetryMax,
		poolRetryBase:  cfg.PoolRetryBase,
		poolRetryMaxD:  cfg.PoolRetryMaxDelay,
		jobTimeout:     cfg.JobTimeout,
		storageTimeout: cfg.StorageTimeout,
		statusTimeout:  cfg.StatusTimeout,
		sem:            make(chan struct{}, poolSize),
		inFlight:       xsync.NewMapOf[string, InFlightJob](),
		now:            time.Now,
	}, nil
}

// HandleMessage processes one judge job message.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return pkgerrors.New(pkgerrors.InvalidParams).WithMessage("message is nil")
	}
	var payload model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.InvalidParams, "decode message failed")
	}
	if payload.SubmissionID == "" {
		return pkgerrors.New(pkgerrors.InvalidParams).WithMessage("message missing submissionId")
	}

	if !s.tryAcquireSlot() {
		if s.queue != nil && s.retryTopic != "" {
			return s.requeueForPoolFull(ctx, msg)
		}
		if err := s.acquireSlot(ctx); err != nil {
			return err
		}
	}
	defer s.releaseSlot()

	_, err := s.Judge(ctx, payload.SubmissionID)
	if err == nil || !retryable(err) {
		return nil
	}
	return err
}

// Judge runs one submission end to end. The workspace is always removed.
// A failure before or after the pipeline marks the submission JUDGE_ERROR.
func (s *Service) Judge(ctx context.Context, submissionID string) (*pipeline.ExecutionResult, error) {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	received := s.now()
	s.metrics.JudgeStarted()
	defer s.metrics.JudgeFinished()
	s.inFlight.Store(submissionID, InFlightJob{SubmissionID: submissionID, StartedAt: received})
	defer s.inFlight.Delete(submissionID)

	logger.Info(ctx, "judging submission")
	sub, problem, err := s.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, s.handleFailure(ctx, submissionID, received, err)
	}
	s.inFlight.Store(submissionID, InFlightJob{
		SubmissionID: submissionID,
		ProblemID:    sub.ProblemID,
		Language:     sub.Language,
		StartedAt:    received,
	})

	if err := s.submissions.MarkRunning(ctx, submissionID); err != nil {
		return nil, s.handleFailure(ctx, submissionID, received, err)
	}

	cfg, err := problem.Pipeline()
	if err != nil {
		logger.Warn(ctx, "pipeline config is malformed, using default pipeline",
			zap.String("problem_id", problem.ID), zap.Error(err))
		cfg = pipeline.DefaultConfig()
	}
	s.reportStatus(ctx, model.JudgeStatus{
		SubmissionID: submissionID,
		Status:       result.StatusRunning,
		Progress:     model.Progress{TotalStages: len(cfg.Stages)},
		ReceivedAt:   received.Unix(),
	})

	pc, err := s.buildContext(ctx, sub, problem)
	if pc != nil && pc.Job != nil {
		defer s.cleanup(ctx, pc.Job)
	}
	if err != nil {
		return nil, s.handleFailure(ctx, submissionID, received, err)
	}

	runCtx := ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	res := s.executor.Execute(runCtx, pc, cfg)

	if err := s.submissions.SaveResult(ctx, submissionID, res); err != nil {
		return nil, s.handleFailure(ctx, submissionID, received, err)
	}
	final := model.JudgeStatus{
		SubmissionID: submissionID,
		Status:       res.FinalStatus,
		Score:        res.Score,
		RawScore:     res.RawScore,
		Summary:      res.Summary,
		Progress:     model.Progress{TotalStages: res.Summary.TotalStages, DoneStages: res.Summary.CompletedStages},
		ReceivedAt:   received.Unix(),
		FinishedAt:   s.now().Unix(),
	}
	s.finish(ctx, final)
	logger.Info(ctx, "submission judged",
		zap.String("status", string(res.FinalStatus)),
		zap.Float64("score", res.Score),
		zap.Duration("elapsed", s.now().Sub(received)))
	return res, nil
}

// buildContext prepares the workspace: source, testdata and samples.
// The returned context carries the job even when a later step fails.
func (s *Service) buildContext(ctx context.Context, sub *model.Submission, problem *model.Problem) (*pipeline.Context, error) {
	lang, err := profile.ParseLanguage(sub.Language)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.LanguageNotSupported)
	}
	job, err := s.runner.CreateJob(ctx, sub.ID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, "create job")
	}
	pc := &pipeline.Context{
		SubmissionID:    sub.ID,
		UserID:          sub.UserID,
		ProblemID:       problem.ID,
		Language:        lang,
		Kind:            problem.Kind(),
		Job:             job,
		SourceKey:       sub.SourceKey,
		TestdataVersion: sub.TestdataVersion,
		SampleCases:     problem.SampleCases(),
		CheckerKey:      problem.CheckerKey,
		TemplateKey:     problem.TemplateKey,
		MakefileKey:     problem.MakefileKey,
		ArtifactPaths:   problem.ArtifactPaths,
		Network:         problem.Network,
		SubmittedAt:     sub.CreatedAt,
	}
	if problem.DueAt != nil {
		pc.DueAt = *problem.DueAt
	}
	if problem.CheckerLanguage != "" {
		if pc.CheckerLanguage, err = profile.ParseLanguage(problem.CheckerLanguage); err != nil {
			return pc, pkgerrors.Wrapf(err, pkgerrors.StageConfigInvalid, "checker language")
		}
	}

	source, err := s.downloadSource(ctx, sub.SourceKey)
	if err != nil {
		return pc, err
	}
	if pc.Kind == pipeline.KindMultiFile {
		if err := extractSubmission(source, pc.SrcDir()); err != nil {
			return pc, err
		}
	} else {
		pc.SourceCode = string(source)
	}

	td, err := s.testdata.Fetch(ctx, problem.ID, sub.TestdataVersion)
	if err != nil {
		return pc, err
	}
	if td != nil {
		if _, err := td.ExtractTo(pc.TestdataDir()); err != nil {
			return pc, pkgerrors.Wrapf(err, pkgerrors.TestdataInvalid, "extract testdata v%d", td.Version)
		}
		pc.Manifest = td.Manifest
		pc.TestdataVersion = td.Version
	}
	return pc, nil
}

func (s *Service) downloadSource(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, pkgerrors.ValidationError("source_key", "required")
	}
	ctxStorage := ctx
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	reader, err := s.storage.GetObject(ctxStorage, storage.BucketSubmissions, key)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "download source failed")
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "read source failed")
	}
	return data, nil
}

var zipMagic = []byte("PK\x03\x04")

// extractSubmission unpacks a multi-file submission. Archives are stored either
// raw or base64 encoded.
func extractSubmission(data []byte, dest string) error {
	if !bytes.HasPrefix(data, zipMagic) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.ArchiveRejected, "submission archive is neither zip nor base64")
		}
		data = decoded
	}
	_, err := security.ExtractZip(data, dest, security.ArchiveOptions{MaxUncompressedBytes: MaxSubmissionArchiveBytes})
	return err
}

func (s *Service) cleanup(ctx context.Context, job *sandbox.JobContext) {
	// a canceled job context must not leave the workspace behind
	ctx = context.WithoutCancel(ctx)
	if err := s.runner.CleanupJob(ctx, job); err != nil {
		logger.Warn(ctx, "workspace cleanup failed", zap.String("dir", err.Dir), zap.Error(err))
	}
}

// InFlight lists the submissions being judged, oldest first.
func (s *Service) InFlight() []InFlightJob {
	jobs := make([]InFlightJob, 0, s.inFlight.Size())
	s.inFlight.Range(func(_ string, job InFlightJob) bool {
		jobs = append(jobs, job)
		return true
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs
}

// retryable reports whether redelivering the job could change the outcome.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch pkgerrors.GetCode(err) {
	case pkgerrors.InvalidParams, pkgerrors.ValidationFailed, pkgerrors.SubmissionNotFound,
		pkgerrors.ProblemNotFound, pkgerrors.LanguageNotSupported,
		pkgerrors.ArchiveRejected, pkgerrors.SourceRejected, pkgerrors.TestdataInvalid,
		pkgerrors.StageConfigInvalid:
		return false
	}
	return true
}

