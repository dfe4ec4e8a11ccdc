package model

// JudgeMessage is the queue payload asking a worker to judge one submission.
type JudgeMessage struct {
	SubmissionID string `json:"submissionId"`
}

// StatusEventFinal marks an event carrying a terminal status.
const StatusEventFinal = "final"

// StatusEvent is published after a submission has been judged.
type StatusEvent struct {
	Type      string      `json:"type"`
	Status    JudgeStatus `json:"status"`
	CreatedAt int64       `json:"createdAt"`
}
