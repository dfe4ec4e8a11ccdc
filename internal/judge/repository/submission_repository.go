package repository

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"nojudge/internal/common/db"
	"nojudge/internal/judge/model"
	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	"nojudge/internal/judge/testdata"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Output ceilings for stored rows.
const (
	MaxCaseOutputBytes  = 65536
	MaxStageOutputBytes = 10000
)

// SubmissionRepository reads submissions and writes judge results in MySQL.
// It also serves as the pipeline's stage result store and the testdata source.
type SubmissionRepository struct {
	db  db.Database
	now func() time.Time
}

// NewSubmissionRepository creates a repository over database.
func NewSubmissionRepository(database db.Database) *SubmissionRepository {
	return &SubmissionRepository{db: database, now: time.Now}
}

var (
	_ pipeline.ResultStore = (*SubmissionRepository)(nil)
	_ testdata.Source      = (*SubmissionRepository)(nil)
)

const submissionColumns = "id, user_id, problem_id, language, source_key, testdata_version, status, created_at"

const problemColumns = "id, display_id, submission_type, pipeline_config, sample_inputs, sample_outputs, " +
	"checker_key, checker_language, template_key, makefile_key, artifact_paths, network_config, due_at"

// GetSubmission loads a submission and the problem it was submitted to.
func (r *SubmissionRepository) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, *model.Problem, error) {
	if submissionID == "" {
		return nil, nil, pkgerrors.ValidationError("submission_id", "required")
	}
	sub := &model.Submission{}
	var testdataVersion *int
	row := r.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ? LIMIT 1", submissionID)
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProblemID,
		&sub.Language,
		&sub.SourceKey,
		&testdataVersion,
		&sub.Status,
		&sub.CreatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, nil, pkgerrors.Newf(pkgerrors.SubmissionNotFound, "submission %s not found", submissionID)
		}
		return nil, nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load submission %s", submissionID)
	}
	if testdataVersion != nil {
		sub.TestdataVersion = *testdataVersion
	}

	problem, err := r.getProblem(ctx, sub.ProblemID)
	if err != nil {
		return nil, nil, err
	}
	return sub, problem, nil
}

func (r *SubmissionRepository) getProblem(ctx context.Context, problemID string) (*model.Problem, error) {
	p := &model.Problem{}
	var displayID, submissionType, checkerKey, checkerLanguage, templateKey, makefileKey *string
	var pipelineConfig, sampleInputs, sampleOutputs, artifactPaths, networkConfig []byte
	row := r.db.QueryRow(ctx, "SELECT "+problemColumns+" FROM problems WHERE id = ? LIMIT 1", problemID)
	if err := row.Scan(
		&p.ID,
		&displayID,
		&submissionType,
		&pipelineConfig,
		&sampleInputs,
		&sampleOutputs,
		&checkerKey,
		&checkerLanguage,
		&templateKey,
		&makefileKey,
		&artifactPaths,
		&networkConfig,
		&p.DueAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgerrors.Newf(pkgerrors.ProblemNotFound, "problem %s not found", problemID)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load problem %s", problemID)
	}
	p.DisplayID = deref(displayID)
	p.SubmissionType = pipeline.SubmissionKind(deref(submissionType))
	p.CheckerKey = deref(checkerKey)
	p.CheckerLanguage = deref(checkerLanguage)
	p.TemplateKey = deref(templateKey)
	p.MakefileKey = deref(makefileKey)
	if len(pipelineConfig) > 0 {
		p.PipelineConfig = json.RawMessage(pipelineConfig)
	}

	if err := decodeOptional(sampleInputs, &p.SampleInputs); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "decode sample inputs of %s", problemID)
	}
	if err := decodeOptional(sampleOutputs, &p.SampleOutputs); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "decode sample outputs of %s", problemID)
	}
	if err := decodeOptional(artifactPaths, &p.ArtifactPaths); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "decode artifact paths of %s", problemID)
	}
	if len(networkConfig) > 0 {
		var policy spec.NetworkPolicy
		if err := json.Unmarshal(networkConfig, &policy); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "decode network config of %s", problemID)
		}
		p.Network = &policy
	}
	return p, nil
}

// MarkRunning moves a submission to RUNNING and drops stage rows left by an
// earlier delivery of the same job.
func (r *SubmissionRepository) MarkRunning(ctx context.Context, submissionID string) error {
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		if _, err := tx.Exec(ctx, "UPDATE submissions SET status = ? WHERE id = ?", string(result.StatusRunning), submissionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "DELETE FROM submission_stage_results WHERE submission_id = ?", submissionID)
		return err
	})
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "mark submission %s running", submissionID)
	}
	return nil
}

// SaveStageResult appends one stage row.
func (r *SubmissionRepository) SaveStageResult(ctx context.Context, submissionID string, res pipeline.StageResult) error {
	details, err := marshalOptional(res.Details)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "encode stage details")
	}
	query := `
		INSERT INTO submission_stage_results
		(submission_id, stage_order, stage_type, status, time_ms, memory_kb, stdout, stderr, details, message, duration_ms)
		VALUES (` + db.Placeholders(11) + `)
	`
	_, err = r.db.Exec(ctx, query,
		submissionID,
		res.Order,
		string(res.Stage),
		string(res.Status),
		res.TimeMs,
		res.MemoryKb,
		Truncate(res.Stdout, MaxStageOutputBytes),
		Truncate(res.Stderr, MaxStageOutputBytes),
		details,
		res.Message,
		res.Duration.Milliseconds(),
	)
	if key, dup := db.UniqueViolation(err); dup {
		// a redelivered job racing the first attempt already wrote this row
		logger.Warn(ctx, "stage result already recorded", zap.String("key", key), zap.Int("order", res.Order))
		return nil
	}
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "save %s stage result", res.Stage)
	}
	return nil
}

// stageRecord is the JSON shape of pipeline_results.
type stageRecord struct {
	Stage      pipeline.StageType `json:"stage"`
	Order      int                `json:"order"`
	Status     result.Status      `json:"status"`
	TimeMs     int64              `json:"timeMs,omitempty"`
	MemoryKb   *int64             `json:"memoryKb,omitempty"`
	Stdout     string             `json:"stdout,omitempty"`
	Stderr     string             `json:"stderr,omitempty"`
	Details    map[string]any     `json:"details,omitempty"`
	Message    string             `json:"message,omitempty"`
	Abort      bool               `json:"abort,omitempty"`
	DurationMs int64              `json:"durationMs"`
}

func stageRecords(results []pipeline.StageResult) []stageRecord {
	out := make([]stageRecord, 0, len(results))
	for _, res := range results {
		out = append(out, stageRecord{
			Stage:      res.Stage,
			Order:      res.Order,
			Status:     res.Status,
			TimeMs:     res.TimeMs,
			MemoryKb:   res.MemoryKb,
			Stdout:     Truncate(res.Stdout, MaxStageOutputBytes),
			Stderr:     Truncate(res.Stderr, MaxStageOutputBytes),
			Details:    res.Details,
			Message:    res.Message,
			Abort:      res.Abort,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	return out
}

// SaveResult writes the final verdict and replaces the case rows of a submission.
func (r *SubmissionRepository) SaveResult(ctx context.Context, submissionID string, res *pipeline.ExecutionResult) error {
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "encode summary")
	}
	stages, err := json.Marshal(stageRecords(res.StageResults))
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "encode pipeline results")
	}

	err = r.db.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			UPDATE submissions
			SET status = ?, score = ?, raw_score = ?, judged_at = ?, compile_log = ?,
				summary = ?, pipeline_results = ?, artifacts_key = ?
			WHERE id = ?
		`
		if _, err := tx.Exec(ctx, query,
			string(res.FinalStatus),
			res.Score,
			res.RawScore,
			r.now(),
			nullable(res.CompileLog),
			summary,
			stages,
			nullable(res.ArtifactsKey),
			submissionID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM submission_cases WHERE submission_id = ?", submissionID); err != nil {
			return err
		}
		for _, c := range res.Cases {
			if err := insertCase(ctx, tx, submissionID, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "save result of %s", submissionID)
	}
	return nil
}

func insertCase(ctx context.Context, q db.Querier, submissionID string, c *pipeline.CaseResult) error {
	query := `
		INSERT INTO submission_cases
		(submission_id, case_no, name, status, time_ms, memory_kb, stdout_trunc, stderr_trunc, expected_output_trunc, points, is_sample)
		VALUES (` + db.Placeholders(11) + `)
	`
	_, err := q.Exec(ctx, query,
		submissionID,
		c.Index,
		c.Name,
		string(c.Status),
		c.TimeMs,
		c.MemoryKb,
		Truncate(c.Stdout, MaxCaseOutputBytes),
		Truncate(c.Stderr, MaxCaseOutputBytes),
		Truncate(c.ExpectedOutput, MaxCaseOutputBytes),
		c.Points,
		c.IsSample,
	)
	return err
}

// MarkJudgeError records a submission that could not be judged at all.
func (r *SubmissionRepository) MarkJudgeError(ctx context.Context, submissionID, message string) error {
	summary, err := json.Marshal(pipeline.Summary{Aborted: true, Error: message})
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "encode summary")
	}
	_, err = r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, judged_at = ?, summary = ? WHERE id = ?",
		string(result.StatusJudgeError), r.now(), summary, submissionID)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "mark submission %s failed", submissionID)
	}
	return nil
}

// ActiveTestdata returns the newest active testdata version of a problem.
func (r *SubmissionRepository) ActiveTestdata(ctx context.Context, problemID string) (*testdata.Record, bool, error) {
	query := `
		SELECT version, zip_key, sha256, manifest
		FROM problem_testdata
		WHERE problem_id = ? AND is_active = 1
		ORDER BY version DESC
		LIMIT 1
	`
	rec := &testdata.Record{ProblemID: problemID}
	var (
		sum      *string
		manifest []byte
	)
	if err := r.db.QueryRow(ctx, query, problemID).Scan(&rec.Version, &rec.ArchiveKey, &sum, &manifest); err != nil {
		if db.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load testdata of %s", problemID)
	}
	rec.SHA256 = deref(sum)
	m, err := testdata.ParseManifest(manifest)
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, pkgerrors.TestdataInvalid, "testdata manifest of %s v%d", problemID, rec.Version)
	}
	rec.Manifest = m
	return rec, true, nil
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decodeOptional(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func marshalOptional(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
