// Package checkpoint persists the batch cursor between runs.
//
// A record is the JSON document {"id":N}. A missing or empty record means no checkpoint;
// anything else that does not decode to a non-negative id is reported as
// exception.ErrCorruptCheckpoint. Writes are atomic: a reader sees either the previous
// or the new value, never a partial one.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

const moduleName = "checkpoint"

// Record is the persisted form of the cursor.
type Record struct {
	ID int64 `json:"id"`
}

// Store loads and saves the cursor.
type Store interface {
	// Load returns the saved cursor. found is false when no record exists (cursor is then 0).
	Load(ctx context.Context) (cursor int64, found bool, err error)
	// Save replaces the record with cursor.
	Save(ctx context.Context, cursor int64) error
	// Reset removes the record so the next run starts from the configured start id.
	Reset(ctx context.Context) error
	// Location describes where the record lives, for logs and the configuration summary.
	Location() string
}

// Options configures store construction.
type Options struct {
	// CredentialsFile is a service account key used for gs:// locations.
	CredentialsFile string
	// Endpoint overrides the GCS API endpoint (emulators).
	Endpoint string
}

// NewStore returns a GCSStore for gs://bucket/object paths and a FileStore otherwise.
func NewStore(path string, opts Options) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, exception.NewBatchError(moduleName, "checkpoint path is empty", exception.ErrInvalidConfig, false)
	}
	if strings.HasPrefix(path, gcsScheme) {
		bucket, object, err := ParseGCSPath(path)
		if err != nil {
			return nil, err
		}
		return NewGCSStore(bucket, object, opts), nil
	}
	return NewFileStore(path), nil
}

// decode parses a stored record. Empty input is not an error.
func decode(data []byte, location string) (int64, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, false, nil
	}
	var rec struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, exception.NewBatchError(moduleName,
			fmt.Sprintf("cannot parse checkpoint %s", location),
			fmt.Errorf("%w: %w", exception.ErrCorruptCheckpoint, err), false)
	}
	if rec.ID == nil {
		return 0, false, exception.NewBatchError(moduleName,
			fmt.Sprintf("checkpoint %s has no id", location),
			exception.ErrCorruptCheckpoint, false)
	}
	if *rec.ID < 0 {
		return 0, false, exception.NewBatchError(moduleName,
			fmt.Sprintf("negative id %d in checkpoint %s", *rec.ID, location),
			exception.ErrCorruptCheckpoint, false)
	}
	return *rec.ID, true, nil
}

func encode(cursor int64) ([]byte, error) {
	if cursor < 0 {
		return nil, exception.NewBatchErrorf(moduleName, "refusing to save negative cursor %d", cursor)
	}
	return json.Marshal(Record{ID: cursor})
}
