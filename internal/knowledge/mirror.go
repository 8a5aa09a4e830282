package knowledge

import (
	"context"
	"fmt"

	"qcselect/internal/facts"
	"qcselect/internal/logging"
	"qcselect/internal/mangle"
	"qcselect/internal/types"
)

// Mirror keeps fact files in step with catalog entity lifecycle events.
// Selection rules that define catalog-owned predicates are refused.
type Mirror struct {
	store     *Store
	validator *mangle.SchemaValidator
}

// NewMirror creates a mirror writing through store.
func NewMirror(store *Store) *Mirror {
	return &Mirror{
		store:     store,
		validator: mangle.NewSchemaValidator(facts.ReservedPredicates()),
	}
}

// OnImplementationInserted compiles and activates the implementation's facts.
func (m *Mirror) OnImplementationInserted(ctx context.Context, impl types.Implementation) error {
	return m.writeImplementation(ctx, "insert", impl)
}

// OnImplementationUpdated replaces the implementation's facts.
func (m *Mirror) OnImplementationUpdated(ctx context.Context, impl types.Implementation) error {
	return m.writeImplementation(ctx, "update", impl)
}

// OnImplementationDeleted removes the implementation's facts.
func (m *Mirror) OnImplementationDeleted(ctx context.Context, id string) error {
	return m.remove(ctx, "implementation", id)
}

// OnResourceInserted compiles and activates the resource's facts.
func (m *Mirror) OnResourceInserted(ctx context.Context, res types.Resource) error {
	return m.writeResource(ctx, "insert", res)
}

// OnResourceUpdated replaces the resource's facts.
func (m *Mirror) OnResourceUpdated(ctx context.Context, res types.Resource) error {
	return m.writeResource(ctx, "update", res)
}

// OnResourceDeleted removes the resource's facts.
func (m *Mirror) OnResourceDeleted(ctx context.Context, id string) error {
	return m.remove(ctx, "resource", id)
}

func (m *Mirror) writeImplementation(ctx context.Context, event string, impl types.Implementation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mirror implementation %s: %w", impl.ID, err)
	}
	if err := m.validator.ValidateRule(impl.SelectionRule); err != nil {
		logging.Get(logging.CategoryKnowledge).Error("implementation %s %s: selection rule rejected: %v", impl.ID, event, err)
		return fmt.Errorf("mirror implementation %s: %w", impl.ID, err)
	}
	content := facts.CompileImplementation(impl)
	if err := m.store.Replace(impl.ID, content); err != nil {
		logging.Get(logging.CategoryKnowledge).Error("implementation %s %s: facts not recorded: %v", impl.ID, event, err)
		return fmt.Errorf("mirror implementation %s: %w", impl.ID, err)
	}
	logging.Knowledge("implementation %s %s: facts recorded", impl.ID, event)
	return nil
}

func (m *Mirror) writeResource(ctx context.Context, event string, res types.Resource) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mirror resource %s: %w", res.ID, err)
	}
	content := facts.CompileResource(res)
	if err := m.store.Replace(res.ID, content); err != nil {
		logging.Get(logging.CategoryKnowledge).Error("resource %s %s: facts not recorded: %v", res.ID, event, err)
		return fmt.Errorf("mirror resource %s: %w", res.ID, err)
	}
	logging.Knowledge("resource %s %s: facts recorded", res.ID, event)
	return nil
}

func (m *Mirror) remove(ctx context.Context, kind, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mirror delete %s %s: %w", kind, id, err)
	}
	if err := m.store.Delete(id); err != nil {
		logging.Get(logging.CategoryKnowledge).Error("%s %s delete: facts not removed: %v", kind, id, err)
		return fmt.Errorf("mirror delete %s %s: %w", kind, id, err)
	}
	logging.Knowledge("%s %s delete: facts removed", kind, id)
	return nil
}
