// Package database defines the data store capability consumed by the cursor engine.
package database

import (
	"context"

	"github.com/tigerroll/batchcursor/pkg/batch/support/template"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Gateway executes rendered templates against the data store.
//
// Errors are *exception.BatchError values; IsRetryable reports whether the failure was
// classified as a lost connection that a later attempt may survive.
type Gateway interface {
	// Query renders tmpl with params, runs it and returns the rows in the order delivered.
	Query(ctx context.Context, tmpl string, params template.Params) ([]Row, error)
	// Exec renders tmpl with params, runs it and returns the number of affected rows
	// (-1 when the driver cannot report it).
	Exec(ctx context.Context, tmpl string, params template.Params) (int64, error)
	// Close releases the underlying connection pool.
	Close() error
}

// Classifier decides whether a raw driver error means the connection was lost.
type Classifier interface {
	IsConnectionLost(err error) bool
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) bool

// IsConnectionLost calls f(err).
func (f ClassifierFunc) IsConnectionLost(err error) bool { return f(err) }
