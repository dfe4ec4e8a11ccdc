package model

import (
	"encoding/json"
	"time"

	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox/spec"
)

// Submission is one stored submission row.
type Submission struct {
	ID              string
	UserID          string
	ProblemID       string
	Language        string
	SourceKey       string
	TestdataVersion int
	Status          string
	CreatedAt       time.Time
}

// Problem is the part of a problem definition the judge consumes.
type Problem struct {
	ID             string
	DisplayID      string
	SubmissionType pipeline.SubmissionKind
	// PipelineConfig is the stored JSON definition, nil when the problem has none.
	PipelineConfig  json.RawMessage
	SampleInputs    []string
	SampleOutputs   []string
	CheckerKey      string
	CheckerLanguage string
	TemplateKey     string
	MakefileKey     string
	ArtifactPaths   []string
	Network         *spec.NetworkPolicy
	DueAt           *time.Time
}

// Kind defaults to a single file submission.
func (p *Problem) Kind() pipeline.SubmissionKind {
	switch p.SubmissionType {
	case pipeline.KindMultiFile, pipeline.KindFunctionOnly:
		return p.SubmissionType
	}
	return pipeline.KindSingleFile
}

// Pipeline decodes the stored pipeline definition. A definition without
// stages falls back to the default compile, execute, check pipeline.
func (p *Problem) Pipeline() (*pipeline.Config, error) {
	return pipeline.LoadConfig(p.PipelineConfig)
}

// SampleCases pairs sample inputs with their outputs; a missing output is empty.
func (p *Problem) SampleCases() []pipeline.SampleCase {
	out := make([]pipeline.SampleCase, 0, len(p.SampleInputs))
	for i, in := range p.SampleInputs {
		sc := pipeline.SampleCase{Input: in}
		if i < len(p.SampleOutputs) {
			sc.Output = p.SampleOutputs[i]
		}
		out = append(out, sc)
	}
	return out
}
