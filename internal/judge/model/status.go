package model

import (
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox/result"
)

// Progress reports how far a running submission got.
type Progress struct {
	TotalStages int `json:"totalStages"`
	DoneStages  int `json:"doneStages"`
}

// JudgeStatus is the snapshot served by the status endpoint.
type JudgeStatus struct {
	SubmissionID string           `json:"submissionId"`
	Status       result.Status    `json:"status"`
	Score        float64          `json:"score"`
	RawScore     float64          `json:"rawScore"`
	Summary      pipeline.Summary `json:"summary"`
	Progress     Progress         `json:"progress"`
	ErrorCode    int              `json:"errorCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	ReceivedAt   int64            `json:"receivedAt"`
	FinishedAt   int64            `json:"finishedAt,omitempty"`
}

// Final reports whether the snapshot carries a verdict.
func (s JudgeStatus) Final() bool {
	return s.Status.IsTerminal()
}
