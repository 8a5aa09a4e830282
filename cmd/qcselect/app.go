package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"qcselect/internal/catalog"
	"qcselect/internal/config"
	"qcselect/internal/executor"
	"qcselect/internal/formula"
	"qcselect/internal/knowledge"
	"qcselect/internal/logging"
	"qcselect/internal/mangle"
	"qcselect/internal/metrics"
	"qcselect/internal/query"
	"qcselect/internal/selection"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	metrics  *metrics.MetricsCollector
	kb       *mangle.KnowledgeBase
	store    *knowledge.Store
	mirror   *knowledge.Mirror
	catalog  *catalog.Store
	engine   *query.Engine
	selector *selection.Selector
}

// openApp builds the knowledge base, warm-starts it from the fact directory,
// and opens the catalog with the mirror installed as its hooks.
func openApp(ctx context.Context, c *config.Config) (*app, error) {
	collector := metrics.NewCollector()

	kb := mangle.NewKnowledgeBase(mangle.Config{
		FactLimit:    c.Knowledge.FactLimit,
		QueryTimeout: c.GetQueryTimeout(),
	})
	store := knowledge.NewStore(c.Knowledge.BaseDir, kb, knowledge.WithMetrics(collector))
	if err := store.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	logging.Boot("knowledge base ready: %d units from %s", len(kb.Units()), c.Knowledge.BaseDir)
	mirror := knowledge.NewMirror(store)

	cat, err := catalog.Open(c.Catalog.DatabasePath, catalog.WithHooks(mirror))
	if err != nil {
		kb.Close()
		return nil, err
	}

	engine := query.NewEngine(kb, store, query.WithMetrics(collector))

	registry := executor.NewRegistry()
	if c.Execution.GoScript.Enabled {
		registry.Register(executor.NewGoScriptPlugin(
			c.Execution.GoScript.Languages,
			c.Execution.GoScript.SDKs,
			c.GetExecutionTimeout(),
		))
	}

	selector := selection.NewSelector(cat, cat, engine,
		selection.WithFormulaEvaluators(
			formula.NewPlaceholder(float64(c.Formula.FallbackQubits)),
			formula.NewPlaceholder(float64(c.Formula.FallbackDepth)),
		),
		selection.WithExecutors(registry, executor.NewFileFetcher(c.Execution.ArtifactDir)),
		selection.WithMetrics(collector),
	)

	if logger != nil {
		logger.Debug("application wired",
			zap.String("knowledge_dir", c.Knowledge.BaseDir),
			zap.String("catalog", c.Catalog.DatabasePath),
			zap.Int("units", len(kb.Units())))
	}

	return &app{
		cfg:      c,
		metrics:  collector,
		kb:       kb,
		store:    store,
		mirror:   mirror,
		catalog:  cat,
		engine:   engine,
		selector: selector,
	}, nil
}

// Close releases the catalog and the knowledge base.
func (a *app) Close() error {
	err := a.catalog.Close()
	if kbErr := a.kb.Close(); err == nil {
		err = kbErr
	}
	return err
}
