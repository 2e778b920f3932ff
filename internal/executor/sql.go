// Package executor runs query requests against database/sql backends.
package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/types"
)

// Supported database/sql driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config configures a SQLExecutor
type Config struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite3"`

	// DSNTemplate is expanded per node; {id}, {host} and {port} are replaced
	DSNTemplate string `yaml:"dsn_template" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
}

// DefaultConfig returns a postgres configuration
func DefaultConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		DSNTemplate:     "postgres://{host}:{port}/querycache?sslmode=disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// SQLExecutor implements types.QueryExecutor. It keeps one *sql.DB per node,
// runs request.Payload with request.Params and returns the rows as
// []map[string]any.
type SQLExecutor struct {
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	closed bool
}

// New creates an executor. Databases are opened lazily on first use.
func New(config Config, logger *zap.Logger) (*SQLExecutor, error) {
	switch config.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unsupported driver %q", config.Driver).
			WithComponent("executor")
	}
	if config.DSNTemplate == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "dsn template is required").
			WithComponent("executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SQLExecutor{
		config: config,
		logger: logger.Named("executor"),
		dbs:    make(map[string]*sql.DB),
	}, nil
}

// DSN expands the template for node
func (e *SQLExecutor) DSN(node types.Node) string {
	return strings.NewReplacer(
		"{id}", node.ID,
		"{host}", node.Host,
		"{port}", strconv.Itoa(node.Port),
	).Replace(e.config.DSNTemplate)
}

func (e *SQLExecutor) db(node types.Node) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.ErrStopped
	}
	if db, ok := e.dbs[node.ID]; ok {
		return db, nil
	}

	db, err := sql.Open(e.config.Driver, e.DSN(node))
	if err != nil {
		return nil, fmt.Errorf("failed to open database for node %s: %w", node.ID, err)
	}
	if e.config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(e.config.MaxOpenConns)
	}
	if e.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(e.config.MaxIdleConns)
	}
	if e.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(e.config.ConnMaxLifetime)
	}

	e.dbs[node.ID] = db
	e.logger.Debug("opened database", zap.String("node", node.ID), zap.String("driver", e.config.Driver))
	return db, nil
}

// Execute runs req on node, bounded by req.Timeout
func (e *SQLExecutor) Execute(ctx context.Context, node types.Node, req *types.QueryRequest) (any, error) {
	db, err := e.db(node)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	rows, err := db.QueryContext(ctx, req.Payload, e.args(req.Params)...)
	if err != nil {
		return nil, e.wrap(err, node, req)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, e.wrap(err, node, req)
	}
	return result, nil
}

// args orders params. Keys that are all positive integers ("1", "2", ...)
// become positional arguments; anything else is passed as named arguments
// sorted by name.
func (e *SQLExecutor) args(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}

	positional := make(map[int]any, len(params))
	for k, v := range params {
		i, err := strconv.Atoi(k)
		if err != nil || i < 1 {
			positional = nil
			break
		}
		positional[i] = e.value(v)
	}

	args := make([]any, 0, len(params))
	if positional != nil {
		indexes := make([]int, 0, len(positional))
		for i := range positional {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			args = append(args, positional[i])
		}
		return args
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, sql.Named(name, e.value(params[name])))
	}
	return args
}

// value adapts slice params to postgres arrays
func (e *SQLExecutor) value(v any) any {
	if e.config.Driver != DriverPostgres {
		return v
	}
	switch v.(type) {
	case []string, []int64, []float64, []bool, [][]byte:
		return pq.Array(v)
	default:
		return v
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (e *SQLExecutor) wrap(err error, node types.Node, req *types.QueryRequest) error {
	wrapped := errors.Wrap(err, errors.ErrCodeExecutionFailed, "query execution failed").
		WithComponent("executor").
		WithNode(node.ID).
		WithRequest(req.ID)
	wrapped.Retryable = isTransient(err)
	return wrapped
}

// isTransient reports whether err is worth retrying on another attempt
func isTransient(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return true
		}
		return false
	}

	var liteErr sqlite3.Error
	if stderrors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return stderrors.Is(err, sql.ErrConnDone)
}

// Close closes every opened database
func (e *SQLExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for id, db := range e.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", id, err))
		}
	}
	e.dbs = nil
	return stderrors.Join(errs...)
}
