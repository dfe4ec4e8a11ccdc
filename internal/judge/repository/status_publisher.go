package repository

import (
	"context"
	"encoding/json"
	"time"

	"nojudge/internal/common/mq"
	"nojudge/internal/judge/model"
	pkgerrors "nojudge/pkg/errors"
)

// StatusPublisher announces judged submissions to downstream consumers.
type StatusPublisher interface {
	PublishFinalStatus(ctx context.Context, status model.JudgeStatus) error
}

// MQStatusPublisher publishes status events to a message queue topic.
type MQStatusPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQStatusPublisher creates a publisher for topic.
func NewMQStatusPublisher(queue mq.Producer, topic string) *MQStatusPublisher {
	return &MQStatusPublisher{queue: queue, topic: topic}
}

// PublishFinalStatus publishes a final status event keyed by submission id.
func (p *MQStatusPublisher) PublishFinalStatus(ctx context.Context, status model.JudgeStatus) error {
	if p == nil || p.queue == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return pkgerrors.New(pkgerrors.InvalidParams).WithMessage("status topic is required")
	}
	if status.SubmissionID == "" {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(model.StatusEvent{
		Type:      model.StatusEventFinal,
		Status:    status,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueueError, "encode status event failed")
	}
	message := mq.NewMessage(payload)
	message.ID = status.SubmissionID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueueError, "publish status event failed")
	}
	return nil
}
