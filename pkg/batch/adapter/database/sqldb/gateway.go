// Package sqldb implements the data store gateway on top of database/sql.
// MySQL (github.com/go-sql-driver/mysql) and SQLite (github.com/mattn/go-sqlite3) drivers are registered.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tigerroll/batchcursor/pkg/batch/adapter/database"
	dbconfig "github.com/tigerroll/batchcursor/pkg/batch/adapter/database/config"
	"github.com/tigerroll/batchcursor/pkg/batch/support/template"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

const moduleName = "gateway"

// Gateway is a database.Gateway backed by a lazily opened *sql.DB pool.
// The pool is created on first use and reused for every call; reconnection after a lost
// connection is left to the pool itself.
type Gateway struct {
	cfg        dbconfig.DatabaseConfig
	templates  *template.Engine
	classifier database.Classifier

	mu sync.Mutex
	db *sql.DB
}

// NewGateway creates a gateway for cfg. No connection is opened until the first call.
func NewGateway(cfg dbconfig.DatabaseConfig, classifier database.Classifier) (*Gateway, error) {
	dialect, err := template.DialectFor(cfg.Type)
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "unsupported database type", err, false)
	}
	if classifier == nil {
		classifier = NewErrorClassifier(nil)
	}
	return &Gateway{
		cfg:        cfg,
		templates:  template.NewEngine(dialect, cfg.Interpolate),
		classifier: classifier,
	}, nil
}

// NewGatewayWithDB wraps an already opened pool. Used by tests (sqlmock) and by callers that
// manage the *sql.DB themselves.
func NewGatewayWithDB(db *sql.DB, templates *template.Engine, classifier database.Classifier) *Gateway {
	if classifier == nil {
		classifier = NewErrorClassifier(nil)
	}
	return &Gateway{templates: templates, classifier: classifier, db: db}
}

// pool returns the shared *sql.DB, opening it on first use.
func (g *Gateway) pool() (*sql.DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		return g.db, nil
	}

	driverName, err := g.cfg.DriverName()
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to resolve driver", err, false)
	}
	dsn, err := g.cfg.DSN()
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to build DSN", err, false)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to open connection pool", err, false)
	}

	db.SetMaxOpenConns(g.cfg.Pool.MaxOpenConns)
	db.SetMaxIdleConns(g.cfg.Pool.MaxIdleConns)
	if g.cfg.Pool.ConnMaxLifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(g.cfg.Pool.ConnMaxLifetimeMinutes) * time.Minute)
	}

	g.db = db
	logger.Infof("Opened %s connection pool: %s", driverName, g.cfg.Summary())
	return db, nil
}

// Query runs a SELECT and returns its rows as column maps.
// []byte column values are returned as strings.
func (g *Gateway) Query(ctx context.Context, tmpl string, params template.Params) ([]database.Row, error) {
	query, args, err := g.templates.Prepare(tmpl, params)
	if err != nil {
		return nil, err
	}
	db, err := g.pool()
	if err != nil {
		return nil, err
	}

	logger.Debugf("Query: %s %v", query, args)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, g.wrap("query failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, g.wrap("failed to read columns", err)
	}

	var result []database.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, g.wrap("failed to scan row", err)
		}
		row := make(database.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, g.wrap("error during row iteration", err)
	}
	return result, nil
}

// Exec runs a mutation statement.
func (g *Gateway) Exec(ctx context.Context, tmpl string, params template.Params) (int64, error) {
	query, args, err := g.templates.Prepare(tmpl, params)
	if err != nil {
		return 0, err
	}
	db, err := g.pool()
	if err != nil {
		return 0, err
	}

	logger.Debugf("Exec: %s %v", query, args)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, g.wrap("exec failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return affected, nil
}

// Close closes the pool if it was opened.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	if err != nil {
		return exception.NewBatchError(moduleName, "failed to close connection pool", err, false)
	}
	return nil
}

// wrap classifies err and marks lost connections as retryable.
func (g *Gateway) wrap(message string, err error) error {
	if g.classifier.IsConnectionLost(err) {
		return exception.NewBatchError(moduleName, message, fmt.Errorf("%w: %w", exception.ErrConnectionLost, err), true)
	}
	return exception.NewBatchError(moduleName, message, err, false)
}

var _ database.Gateway = (*Gateway)(nil)
