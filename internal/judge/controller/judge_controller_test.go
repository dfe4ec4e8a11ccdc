package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nojudge/internal/common/mq"
	"nojudge/internal/judge/model"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/service"
	pkgerrors "nojudge/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeStatuses map[string]model.JudgeStatus

func (f fakeStatuses) Get(ctx context.Context, id string) (model.JudgeStatus, error) {
	st, ok := f[id]
	if !ok {
		return model.JudgeStatus{}, pkgerrors.NotFoundError("judge status")
	}
	return st, nil
}

type fakeJobs []service.InFlightJob

func (f fakeJobs) InFlight() []service.InFlightJob { return f }

type recordingProducer struct {
	topic string
	msg   *mq.Message
	err   error
}

func (r *recordingProducer) Publish(ctx context.Context, topic string, msg *mq.Message) error {
	r.topic, r.msg = topic, msg
	return r.err
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, h *JudgeController, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := NewRouter(h, prometheus.NewRegistry())
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode body %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func TestHealth(t *testing.T) {
	ok := NewJudgeController(nil, fakeJobs{}, nil, "", HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }})
	if w, _ := serve(t, ok, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	down := NewJudgeController(nil, fakeJobs{}, nil, "", HealthCheck{Name: "mysql", Check: func(context.Context) error { return errors.New("refused") }})
	w, _ := serve(t, down, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "mysql") {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestListJobs(t *testing.T) {
	jobs := fakeJobs{{SubmissionID: "sub-1", ProblemID: "p", Language: "c", StartedAt: time.Unix(100, 0)}}
	w, env := serve(t, NewJudgeController(nil, jobs, nil, ""), http.MethodGet, "/api/v1/judge/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data struct {
		Jobs  []service.InFlightJob `json:"jobs"`
		Count int                   `json:"count"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Count != 1 || data.Jobs[0].SubmissionID != "sub-1" {
		t.Fatalf("data = %+v", data)
	}
}

func TestGetStatus(t *testing.T) {
	statuses := fakeStatuses{"sub-1": {SubmissionID: "sub-1", Status: result.StatusAC, Score: 100}}
	h := NewJudgeController(statuses, fakeJobs{}, nil, "")

	w, env := serve(t, h, http.MethodGet, "/api/v1/judge/jobs/sub-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st model.JudgeStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != result.StatusAC || st.Score != 100 {
		t.Fatalf("status = %+v", st)
	}

	if w, _ := serve(t, h, http.MethodGet, "/api/v1/judge/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}
}

func TestEnqueue(t *testing.T) {
	producer := &recordingProducer{}
	h := NewJudgeController(nil, fakeJobs{}, producer, "noj-judge")

	w, _ := serve(t, h, http.MethodPost, "/api/v1/judge/jobs", `{"submissionId":" sub-9 "}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if producer.topic != "noj-judge" || producer.msg.ID != "sub-9" || string(producer.msg.Body) != `{"submissionId":"sub-9"}` {
		t.Fatalf("published %s %+v", producer.topic, producer.msg)
	}

	if w, _ := serve(t, h, http.MethodPost, "/api/v1/judge/jobs", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty id status = %d", w.Code)
	}

	producer.err = errors.New("broker down")
	if w, _ := serve(t, h, http.MethodPost, "/api/v1/judge/jobs", `{"submissionId":"sub-9"}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("queue failure status = %d", w.Code)
	}

	noQueue := NewJudgeController(nil, fakeJobs{}, nil, "")
	if w, _ := serve(t, noQueue, http.MethodPost, "/api/v1/judge/jobs", `{"submissionId":"sub-9"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no queue status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w, _ := serve(t, NewJudgeController(nil, fakeJobs{}, nil, ""), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
