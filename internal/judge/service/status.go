package service

import (
	"context"
	"time"

	"nojudge/internal/judge/model"
	"nojudge/internal/judge/sandbox/result"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

func (s *Service) statusContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.statusTimeout > 0 {
		return context.WithTimeout(ctx, s.statusTimeout)
	}
	return ctx, func() {}
}

// reportStatus updates the status snapshot. Failures are logged only.
func (s *Service) reportStatus(ctx context.Context, status model.JudgeStatus) {
	if s.statuses == nil {
		return
	}
	ctxStatus, cancel := s.statusContext(ctx)
	defer cancel()
	if err := s.statuses.Save(ctxStatus, status); err != nil {
		logger.Warn(ctx, "update status snapshot failed", zap.Error(err))
	}
}

// finish records a final status in the snapshot, the event stream and the metrics.
func (s *Service) finish(ctx context.Context, status model.JudgeStatus) {
	s.reportStatus(ctx, status)
	s.metrics.ObserveSubmission(string(status.Status))
	if s.publisher == nil {
		return
	}
	ctxStatus, cancel := s.statusContext(ctx)
	defer cancel()
	if err := s.publisher.PublishFinalStatus(ctxStatus, status); err != nil {
		logger.Warn(ctx, "publish final status failed", zap.Error(err))
	}
}

// handleFailure marks the submission JUDGE_ERROR and returns err.
func (s *Service) handleFailure(ctx context.Context, submissionID string, received time.Time, err error) error {
	code := pkgerrors.GetCode(err)
	logger.Error(ctx, "judge failed", zap.Int("code", int(code)), zap.Error(err))

	ctxStatus, cancel := s.statusContext(ctx)
	defer cancel()
	if saveErr := s.submissions.MarkJudgeError(ctxStatus, submissionID, err.Error()); saveErr != nil {
		logger.Warn(ctx, "mark judge error failed", zap.Error(saveErr))
	}
	s.finish(ctx, model.JudgeStatus{
		SubmissionID: submissionID,
		Status:       result.StatusJudgeError,
		ErrorCode:    int(code),
		ErrorMessage: pkgerrors.GetError(err).PublicMessage(),
		ReceivedAt:   received.Unix(),
		FinishedAt:   s.now().Unix(),
	})
	return err
}
