package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// FileStore keeps the record in a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a store for path. The file is not touched until Load or Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Location returns the file path.
func (s *FileStore) Location() string {
	return s.path
}

// Load reads the record. A missing file is reported as not found.
func (s *FileStore) Load(ctx context.Context) (int64, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debugf("No checkpoint at '%s'.", s.path)
			return 0, false, nil
		}
		return 0, false, exception.NewBatchErrorf(moduleName, "failed to read checkpoint '%s'", s.path, err)
	}
	return decode(data, s.path)
}

// Save writes the record to a temporary file in the same directory, syncs it and renames it
// over the target, then syncs the directory so the rename itself survives a crash.
func (s *FileStore) Save(ctx context.Context, cursor int64) error {
	data, err := encode(cursor)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to create directory '%s'", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to create temporary file in '%s'", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to write '%s'", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to sync '%s'", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to close '%s'", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to replace checkpoint '%s'", s.path, err)
	}
	committed = true

	syncDir(dir)
	logger.Debugf("Checkpoint '%s' saved at id %d.", s.path, cursor)
	return nil
}

// Reset deletes the file. A missing file is not an error.
func (s *FileStore) Reset(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("Checkpoint '%s' does not exist; nothing to reset.", s.path)
			return nil
		}
		return exception.NewBatchErrorf(moduleName, "failed to remove checkpoint '%s'", s.path, err)
	}
	logger.Infof("Checkpoint '%s' removed.", s.path)
	return nil
}

// syncDir flushes directory metadata. Some platforms cannot fsync a directory; that is ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Debugf("Directory sync of '%s' skipped: %v", dir, err)
	}
}

var _ Store = (*FileStore)(nil)
