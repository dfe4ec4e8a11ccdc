package pipeline

import (
	"context"
	"sort"
	"sync"

	pkgerrors "nojudge/pkg/errors"
)

// Stage is one independently testable unit of judge logic.
//
// Execute returns an error only for judge system failures; verdicts such as CE
// or WA are reported through the StageResult.
type Stage interface {
	Type() StageType
	Execute(ctx context.Context, pc *Context, cfg StageConfig) (StageResult, error)
}

// ConfigValidator is implemented by stages that check their configuration
// before running. Stages without it accept any configuration.
type ConfigValidator interface {
	ValidateConfig(cfg StageConfig) error
}

// Registry maps stage types to implementations.
type Registry struct {
	mu     sync.RWMutex
	stages map[StageType]Stage
}

// NewRegistry registers the given stages.
func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[StageType]Stage, len(stages))}
	for _, s := range stages {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the implementation of s.Type().
func (r *Registry) Register(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[s.Type()] = s
}

// Lookup returns the stage registered for typ.
func (r *Registry) Lookup(typ StageType) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[typ]
	return s, ok
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ StageType) bool {
	_, ok := r.Lookup(typ)
	return ok
}

// Types lists the registered stage types in name order.
func (r *Registry) Types() []StageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageType, 0, len(r.stages))
	for t := range r.stages {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks cfg with the stage registered for typ.
func (r *Registry) Validate(typ StageType, cfg StageConfig) error {
	s, ok := r.Lookup(typ)
	if !ok {
		return pkgerrors.Newf(pkgerrors.StageNotRegistered, "stage %s is not registered", typ)
	}
	if cfg == nil || cfg.StageType() != typ {
		return pkgerrors.Newf(pkgerrors.StageConfigInvalid, "stage %s has no matching configuration", typ)
	}
	v, ok := s.(ConfigValidator)
	if !ok {
		return nil
	}
	if err := v.ValidateConfig(cfg); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.StageConfigInvalid, "invalid %s config", typ)
	}
	return nil
}
