// Package catalog persists implementations and resources in SQLite and
// notifies lifecycle hooks after every committed write.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"qcselect/internal/logging"
	"qcselect/internal/types"
)

// ErrFactsNotRecorded wraps hook failures after a committed write.
var ErrFactsNotRecorded = errors.New("entity saved but facts not recorded")

// Hooks receives entity lifecycle events after each committed write.
type Hooks interface {
	OnImplementationInserted(ctx context.Context, impl types.Implementation) error
	OnImplementationUpdated(ctx context.Context, impl types.Implementation) error
	OnImplementationDeleted(ctx context.Context, id string) error
	OnResourceInserted(ctx context.Context, res types.Resource) error
	OnResourceUpdated(ctx context.Context, res types.Resource) error
	OnResourceDeleted(ctx context.Context, id string) error
}

// Store is a SQLite-backed catalog of implementations and resources.
type Store struct {
	db     *sql.DB
	dbPath string
	hooks  Hooks

	// writeMu orders writes with their hook calls so fact files follow
	// the same sequence as the rows.
	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithHooks sets the lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

// Open opens (creating if needed) the catalog database at path.
// ":memory:" opens a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.Open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryCatalog).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.CatalogDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.CatalogDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	s := &Store{db: db, dbPath: path}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Catalog("catalog opened at %s", path)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS implementations (
		id TEXT PRIMARY KEY,
		implemented_algorithm_id TEXT NOT NULL,
		sdk TEXT NOT NULL DEFAULT '',
		programming_language TEXT NOT NULL DEFAULT '',
		selection_rule TEXT NOT NULL DEFAULT '',
		file_location TEXT NOT NULL DEFAULT '',
		width_rule TEXT NOT NULL DEFAULT '',
		depth_rule TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_implementations_algorithm ON implementations(implemented_algorithm_id);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		qubits INTEGER NOT NULL DEFAULT 0,
		supported_sdks TEXT NOT NULL DEFAULT '[]',
		t1_ns INTEGER NOT NULL DEFAULT 0,
		max_gate_time_ns INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.dbPath
}

func exists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table+" WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// =============================================================================
// IMPLEMENTATIONS
// =============================================================================

// SaveImplementation inserts or updates impl. An empty ID is replaced with a
// new UUID. The saved implementation is returned even when a hook fails.
func (s *Store) SaveImplementation(ctx context.Context, impl types.Implementation) (types.Implementation, error) {
	if strings.TrimSpace(impl.ImplementedAlgorithmID) == "" {
		return impl, fmt.Errorf("implementation %q: implemented algorithm id is required", impl.ID)
	}
	if impl.ID == "" {
		impl.ID = uuid.NewString()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return impl, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existed, err := exists(ctx, tx, "implementations", impl.ID)
	if err != nil {
		return impl, fmt.Errorf("lookup implementation %s: %w", impl.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO implementations (id, implemented_algorithm_id, sdk, programming_language,
			selection_rule, file_location, width_rule, depth_rule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			implemented_algorithm_id = excluded.implemented_algorithm_id,
			sdk = excluded.sdk,
			programming_language = excluded.programming_language,
			selection_rule = excluded.selection_rule,
			file_location = excluded.file_location,
			width_rule = excluded.width_rule,
			depth_rule = excluded.depth_rule,
			updated_at = CURRENT_TIMESTAMP`,
		impl.ID, impl.ImplementedAlgorithmID, impl.SDK, impl.ProgrammingLanguage,
		impl.SelectionRule, impl.FileLocation, impl.WidthRule, impl.DepthRule)
	if err != nil {
		return impl, fmt.Errorf("save implementation %s: %w", impl.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return impl, fmt.Errorf("commit implementation %s: %w", impl.ID, err)
	}
	logging.CatalogDebug("implementation %s saved (existed=%v)", impl.ID, existed)

	if s.hooks == nil {
		return impl, nil
	}
	if existed {
		err = s.hooks.OnImplementationUpdated(ctx, impl)
	} else {
		err = s.hooks.OnImplementationInserted(ctx, impl)
	}
	if err != nil {
		return impl, fmt.Errorf("%w: %v", ErrFactsNotRecorded, err)
	}
	return impl, nil
}

// DeleteImplementation removes the implementation. Deleting an absent id
// succeeds and still notifies the hooks so stale facts are cleared.
func (s *Store) DeleteImplementation(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM implementations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete implementation %s: %w", id, err)
	}
	if s.hooks != nil {
		if err := s.hooks.OnImplementationDeleted(ctx, id); err != nil {
			return fmt.Errorf("%w: %v", ErrFactsNotRecorded, err)
		}
	}
	return nil
}

const implementationColumns = `id, implemented_algorithm_id, sdk, programming_language,
	selection_rule, file_location, width_rule, depth_rule`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanImplementation(row scanner) (types.Implementation, error) {
	var impl types.Implementation
	err := row.Scan(&impl.ID, &impl.ImplementedAlgorithmID, &impl.SDK, &impl.ProgrammingLanguage,
		&impl.SelectionRule, &impl.FileLocation, &impl.WidthRule, &impl.DepthRule)
	return impl, err
}

// FindImplementation returns the implementation with id; ok is false when absent.
func (s *Store) FindImplementation(ctx context.Context, id string) (types.Implementation, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+implementationColumns+" FROM implementations WHERE id = ?", id)
	impl, err := scanImplementation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Implementation{}, false, nil
	}
	if err != nil {
		return types.Implementation{}, false, fmt.Errorf("find implementation %s: %w", id, err)
	}
	return impl, true, nil
}

// FindByImplementedAlgorithm returns the implementations of algorithmID
// in insertion order.
func (s *Store) FindByImplementedAlgorithm(ctx context.Context, algorithmID string) ([]types.Implementation, error) {
	return s.queryImplementations(ctx,
		"SELECT "+implementationColumns+" FROM implementations WHERE implemented_algorithm_id = ? ORDER BY rowid",
		algorithmID)
}

// ListImplementations returns every implementation ordered by id.
func (s *Store) ListImplementations(ctx context.Context) ([]types.Implementation, error) {
	return s.queryImplementations(ctx, "SELECT "+implementationColumns+" FROM implementations ORDER BY id")
}

func (s *Store) queryImplementations(ctx context.Context, query string, args ...interface{}) ([]types.Implementation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query implementations: %w", err)
	}
	defer rows.Close()

	out := []types.Implementation{}
	for rows.Next() {
		impl, err := scanImplementation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan implementation: %w", err)
		}
		out = append(out, impl)
	}
	return out, rows.Err()
}

// =============================================================================
// RESOURCES
// =============================================================================

// SaveResource inserts or updates res. An empty ID is replaced with a new UUID.
func (s *Store) SaveResource(ctx context.Context, res types.Resource) (types.Resource, error) {
	if res.Qubits < 0 || res.T1 < 0 || res.MaxGateTime < 0 {
		return res, fmt.Errorf("resource %q: qubits and times must not be negative", res.ID)
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	sdks := res.SupportedSDKs
	if sdks == nil {
		sdks = []string{}
	}
	sdkJSON, err := json.Marshal(sdks)
	if err != nil {
		return res, fmt.Errorf("encode supported sdks: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existed, err := exists(ctx, tx, "resources", res.ID)
	if err != nil {
		return res, fmt.Errorf("lookup resource %s: %w", res.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (id, name, qubits, supported_sdks, t1_ns, max_gate_time_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			qubits = excluded.qubits,
			supported_sdks = excluded.supported_sdks,
			t1_ns = excluded.t1_ns,
			max_gate_time_ns = excluded.max_gate_time_ns,
			updated_at = CURRENT_TIMESTAMP`,
		res.ID, res.Name, res.Qubits, string(sdkJSON), int64(res.T1), int64(res.MaxGateTime))
	if err != nil {
		return res, fmt.Errorf("save resource %s: %w", res.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit resource %s: %w", res.ID, err)
	}
	logging.CatalogDebug("resource %s saved (existed=%v)", res.ID, existed)

	if s.hooks == nil {
		return res, nil
	}
	if existed {
		err = s.hooks.OnResourceUpdated(ctx, res)
	} else {
		err = s.hooks.OnResourceInserted(ctx, res)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrFactsNotRecorded, err)
	}
	return res, nil
}

// DeleteResource removes the resource. Deleting an absent id succeeds.
func (s *Store) DeleteResource(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete resource %s: %w", id, err)
	}
	if s.hooks != nil {
		if err := s.hooks.OnResourceDeleted(ctx, id); err != nil {
			return fmt.Errorf("%w: %v", ErrFactsNotRecorded, err)
		}
	}
	return nil
}

const resourceColumns = "id, name, qubits, supported_sdks, t1_ns, max_gate_time_ns"

func scanResource(row scanner) (types.Resource, error) {
	var (
		res     types.Resource
		sdkJSON string
		t1, mgt int64
	)
	if err := row.Scan(&res.ID, &res.Name, &res.Qubits, &sdkJSON, &t1, &mgt); err != nil {
		return res, err
	}
	if err := json.Unmarshal([]byte(sdkJSON), &res.SupportedSDKs); err != nil {
		return res, fmt.Errorf("decode supported sdks of %s: %w", res.ID, err)
	}
	res.T1 = time.Duration(t1)
	res.MaxGateTime = time.Duration(mgt)
	return res, nil
}

// FindResource returns the resource with id; ok is false when absent.
func (s *Store) FindResource(ctx context.Context, id string) (types.Resource, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+resourceColumns+" FROM resources WHERE id = ?", id)
	res, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Resource{}, false, nil
	}
	if err != nil {
		return types.Resource{}, false, fmt.Errorf("find resource %s: %w", id, err)
	}
	return res, true, nil
}

// ListResources returns every resource ordered by id.
func (s *Store) ListResources(ctx context.Context) ([]types.Resource, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+resourceColumns+" FROM resources ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	out := []types.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Resync replays every stored entity through the update hooks. It rebuilds
// fact files from the catalog, e.g. after the knowledge directory was lost.
// The first hook error is returned after all entities were attempted.
func (s *Store) Resync(ctx context.Context) error {
	if s.hooks == nil {
		return nil
	}
	impls, err := s.ListImplementations(ctx)
	if err != nil {
		return err
	}
	resources, err := s.ListResources(ctx)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var firstErr error
	for _, impl := range impls {
		if err := s.hooks.OnImplementationUpdated(ctx, impl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, res := range resources {
		if err := s.hooks.OnResourceUpdated(ctx, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logging.Catalog("resynced %d implementations and %d resources", len(impls), len(resources))
	if firstErr != nil {
		return fmt.Errorf("%w: %v", ErrFactsNotRecorded, firstErr)
	}
	return nil
}
