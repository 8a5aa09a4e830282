// Package selection answers "which implementations of this algorithm can run
// with these inputs, and on which resources", and dispatches execution.
package selection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"qcselect/internal/executor"
	"qcselect/internal/formula"
	"qcselect/internal/logging"
	"qcselect/internal/metrics"
	"qcselect/internal/types"
)

// ImplementationSource looks up implementations by the algorithm they implement.
type ImplementationSource interface {
	FindByImplementedAlgorithm(ctx context.Context, algorithmID string) ([]types.Implementation, error)
}

// ResourceSource resolves resource ids. A missing resource returns ok == false
// and a nil error.
type ResourceSource interface {
	FindResource(ctx context.Context, id string) (types.Resource, bool, error)
}

// Checker is the subset of the query engine the selector needs.
type Checker interface {
	CheckExecutability(ctx context.Context, selectionRule string, params map[string]string) bool
	SuitableResources(ctx context.Context, implementationID string, requiredQubits, circuitDepth int) []string
}

// Candidate is an executable implementation with the resources able to run it.
type Candidate struct {
	Implementation types.Implementation `json:"implementation" yaml:"implementation"`
	Resources      []types.Resource     `json:"resources" yaml:"resources"`
}

// NoExecutorError reports that no plugin supports an implementation.
type NoExecutorError struct {
	Language string
	SDK      string
}

func (e *NoExecutorError) Error() string {
	return fmt.Sprintf("no executor plugin for language %q and sdk %q", e.Language, e.SDK)
}

// Unwrap makes errors.Is(err, executor.ErrNoExecutor) hold.
func (e *NoExecutorError) Unwrap() error { return executor.ErrNoExecutor }

// DefaultConcurrency bounds the implementations evaluated in parallel.
const DefaultConcurrency = 8

// Selector is the selection orchestrator.
type Selector struct {
	implementations ImplementationSource
	resources       ResourceSource
	checker         Checker
	widthEval       formula.Evaluator
	depthEval       formula.Evaluator
	executors       *executor.Registry
	fetcher         executor.ArtifactFetcher
	metrics         metrics.Collector
	concurrency     int
}

// Option configures a Selector.
type Option func(*Selector)

// WithEvaluator sets the evaluator for both width and depth formulas.
func WithEvaluator(e formula.Evaluator) Option {
	return WithFormulaEvaluators(e, e)
}

// WithFormulaEvaluators sets separate width and depth evaluators. Nil keeps
// the current one.
func WithFormulaEvaluators(width, depth formula.Evaluator) Option {
	return func(s *Selector) {
		if width != nil {
			s.widthEval = width
		}
		if depth != nil {
			s.depthEval = depth
		}
	}
}

// WithExecutors sets the plugin registry and artifact fetcher used by Execute.
func WithExecutors(registry *executor.Registry, fetcher executor.ArtifactFetcher) Option {
	return func(s *Selector) {
		if registry != nil {
			s.executors = registry
		}
		s.fetcher = fetcher
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Selector) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithConcurrency bounds parallel implementation evaluation. n <= 0 is ignored.
func WithConcurrency(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewSelector creates a selector. Without WithEvaluator a placeholder
// evaluator with fallback 1 is used.
func NewSelector(impls ImplementationSource, resources ResourceSource, checker Checker, opts ...Option) *Selector {
	s := &Selector{
		implementations: impls,
		resources:       resources,
		checker:         checker,
		widthEval:       formula.NewPlaceholder(1),
		depthEval:       formula.NewPlaceholder(1),
		executors:       executor.NewRegistry(),
		metrics:         metrics.NewNoopCollector(),
		concurrency:     DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectFor returns the executable implementations of algorithmID together
// with their suitable resources, in the order the implementation source
// returned them. Implementations without any suitable resource are omitted.
func (s *Selector) SelectFor(ctx context.Context, algorithmID string, params map[string]string) ([]Candidate, error) {
	start := time.Now()

	impls, err := s.implementations.FindByImplementedAlgorithm(ctx, algorithmID)
	if err != nil {
		s.metrics.RecordError(ctx, "select", "data_access")
		s.metrics.RecordOperation(ctx, "select", metrics.StatusError, time.Since(start).Milliseconds())
		return nil, fmt.Errorf("find implementations of %s: %w", algorithmID, err)
	}
	logging.SelectionDebug("algorithm %s: %d implementations", algorithmID, len(impls))

	results := make([][]types.Resource, len(impls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, impl := range impls {
		g.Go(func() error {
			resources, err := s.evaluate(gctx, impl, params)
			if err != nil {
				return err
			}
			results[i] = resources
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.RecordError(ctx, "select", "data_access")
		s.metrics.RecordOperation(ctx, "select", metrics.StatusError, time.Since(start).Milliseconds())
		return nil, err
	}

	candidates := []Candidate{}
	for i, impl := range impls {
		if len(results[i]) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Implementation: impl, Resources: results[i]})
	}

	status := metrics.StatusSuccess
	if len(candidates) == 0 {
		status = metrics.StatusEmpty
	}
	s.metrics.RecordOperation(ctx, "select", status, time.Since(start).Milliseconds())
	logging.Selection("algorithm %s: %d of %d implementations selected", algorithmID, len(candidates), len(impls))
	return candidates, nil
}

// evaluate returns the resolved suitable resources of one implementation, or
// nil when it is not executable. Only resource lookup errors are returned.
func (s *Selector) evaluate(ctx context.Context, impl types.Implementation, params map[string]string) ([]types.Resource, error) {
	log := logging.Get(logging.CategorySelection)

	if !s.checker.CheckExecutability(ctx, impl.SelectionRule, params) {
		logging.SelectionDebug("implementation %s not executable with given parameters", impl.ID)
		return nil, nil
	}

	qubits, err := size(s.widthEval, impl.WidthRule, params)
	if err != nil {
		log.Warn("implementation %s: width rule: %v", impl.ID, err)
		return nil, nil
	}
	depth, err := size(s.depthEval, impl.DepthRule, params)
	if err != nil {
		log.Warn("implementation %s: depth rule: %v", impl.ID, err)
		return nil, nil
	}

	ids := s.checker.SuitableResources(ctx, impl.ID, qubits, depth)
	resources := make([]types.Resource, 0, len(ids))
	for _, id := range ids {
		res, ok, err := s.resources.FindResource(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve resource %s: %w", id, err)
		}
		if !ok {
			continue
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// size evaluates a width or depth formula and rounds it up to a whole count.
func size(e formula.Evaluator, rule string, params map[string]string) (int, error) {
	v, err := e.Evaluate(rule, params)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("formula %q evaluated to %v", rule, v)
	}
	return int(math.Ceil(v)), nil
}

// Execute runs impl with the first plugin supporting its language and SDK.
func (s *Selector) Execute(ctx context.Context, impl types.Implementation, params map[string]string) (map[string]string, error) {
	start := time.Now()
	plugin, ok := s.executors.Match(impl.ProgrammingLanguage, impl.SDK)
	if !ok {
		s.metrics.RecordError(ctx, "execute", "no_executor")
		s.metrics.RecordOperation(ctx, "execute", metrics.StatusError, time.Since(start).Milliseconds())
		return nil, &NoExecutorError{Language: impl.ProgrammingLanguage, SDK: impl.SDK}
	}
	if s.fetcher == nil {
		return nil, errors.New("no artifact fetcher configured")
	}

	path, err := s.fetcher.Fetch(ctx, impl.FileLocation)
	if err != nil {
		s.metrics.RecordError(ctx, "execute", "fetch")
		s.metrics.RecordOperation(ctx, "execute", metrics.StatusError, time.Since(start).Milliseconds())
		return nil, fmt.Errorf("fetch artifact for %s: %w", impl.ID, err)
	}

	logging.Executor("running implementation %s with plugin %s", impl.ID, plugin.Name())
	out, err := plugin.Execute(ctx, path, params)
	if err != nil {
		s.metrics.RecordError(ctx, "execute", "plugin")
		s.metrics.RecordOperation(ctx, "execute", metrics.StatusError, time.Since(start).Milliseconds())
		return nil, fmt.Errorf("execute %s with %s: %w", impl.ID, plugin.Name(), err)
	}
	s.metrics.RecordOperation(ctx, "execute", metrics.StatusSuccess, time.Since(start).Milliseconds())
	return out, nil
}
