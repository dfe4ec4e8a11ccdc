package mq

import (
	"context"
	"testing"
	"time"
)

func TestWeightedSchedule(t *testing.T) {
	got := buildWeightedSchedule([]WeightedTopic{{Topic: "noj-judge", Weight: 3}, {Topic: "noj-judge.retry", Weight: 1}})
	want := []int{0, 0, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("schedule = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("schedule = %v, want %v", got, want)
		}
	}
}

func TestKafkaMessageHeadersSurviveConversion(t *testing.T) {
	in := NewMessage([]byte(`{"submissionId":"s1"}`))
	in.ID = "s1"
	in.RetryCount = 2
	in.SetHeader("x-pool-retry", "2")

	out := fromKafkaMessage(toKafkaMessage("noj-judge", in))
	if out.ID != "s1" || out.RetryCount != 2 || out.MaxRetries != 3 {
		t.Fatalf("unexpected message %+v", out)
	}
	if v, _ := out.GetHeader("x-pool-retry"); v != "2" {
		t.Fatalf("custom header lost: %v", out.Headers)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp mismatch %v vs %v", out.Timestamp, in.Timestamp)
	}
}

func TestSubscribeValidation(t *testing.T) {
	q, err := NewKafkaQueue(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	noop := func(context.Context, *Message) error { return nil }
	if err := q.SubscribeWeighted(context.Background(), nil, noop, nil, nil); err == nil {
		t.Fatalf("expected error for empty topics")
	}
	if err := q.SubscribeWeighted(context.Background(), []WeightedTopic{{Topic: "a", Weight: 0}}, noop, nil, nil); err == nil {
		t.Fatalf("expected error for zero weight")
	}
	if err := q.Subscribe(context.Background(), "noj-judge", nil, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
	_ = q.Close()
	if err := q.Subscribe(context.Background(), "noj-judge", noop, nil); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestTokenLimiter(t *testing.T) {
	l := NewTokenLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatalf("second acquire should block until ctx expires")
	}
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
