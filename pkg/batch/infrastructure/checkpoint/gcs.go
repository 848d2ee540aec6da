package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

const gcsScheme = "gs://"

// ParseGCSPath splits gs://bucket/object into its parts.
func ParseGCSPath(path string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(path, gcsScheme)
	if !ok {
		return "", "", exception.NewBatchError(moduleName, fmt.Sprintf("'%s' is not a gs:// path", path), exception.ErrInvalidConfig, false)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", exception.NewBatchError(moduleName, fmt.Sprintf("'%s' must name a bucket and an object", path), exception.ErrInvalidConfig, false)
	}
	return bucket, object, nil
}

// GCSStore keeps the record in a Cloud Storage object. An object becomes visible only when
// its writer is closed, so readers never observe a partial record.
type GCSStore struct {
	bucket string
	object string
	opts   Options

	mu     sync.Mutex
	client *storage.Client
}

// NewGCSStore creates a store for gs://bucket/object. The client is created on first use.
func NewGCSStore(bucket, object string, opts Options) *GCSStore {
	return &GCSStore{bucket: bucket, object: object, opts: opts}
}

// Location returns the gs:// URL of the object.
func (s *GCSStore) Location() string {
	return gcsScheme + s.bucket + "/" + s.object
}

func (s *GCSStore) handle(ctx context.Context) (*storage.ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		var clientOpts []option.ClientOption
		if s.opts.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(s.opts.CredentialsFile))
		}
		if s.opts.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(s.opts.Endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, exception.NewBatchErrorf(moduleName, "failed to create GCS client", err)
		}
		s.client = client
		logger.Debugf("GCS client created for '%s'.", s.Location())
	}
	return s.client.Bucket(s.bucket).Object(s.object), nil
}

// Load reads the object. A missing object is reported as not found.
func (s *GCSStore) Load(ctx context.Context) (int64, bool, error) {
	obj, err := s.handle(ctx)
	if err != nil {
		return 0, false, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			logger.Debugf("No checkpoint at '%s'.", s.Location())
			return 0, false, nil
		}
		return 0, false, exception.NewBatchErrorf(moduleName, "failed to open checkpoint '%s'", s.Location(), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, false, exception.NewBatchErrorf(moduleName, "failed to read checkpoint '%s'", s.Location(), err)
	}
	return decode(data, s.Location())
}

// Save uploads the record in a single object write.
func (s *GCSStore) Save(ctx context.Context, cursor int64) error {
	data, err := encode(cursor)
	if err != nil {
		return err
	}
	obj, err := s.handle(ctx)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return exception.NewBatchErrorf(moduleName, "failed to write checkpoint '%s'", s.Location(), err)
	}
	if err := w.Close(); err != nil {
		return exception.NewBatchErrorf(moduleName, "failed to commit checkpoint '%s'", s.Location(), err)
	}
	logger.Debugf("Checkpoint '%s' saved at id %d.", s.Location(), cursor)
	return nil
}

// Reset deletes the object. A missing object is not an error.
func (s *GCSStore) Reset(ctx context.Context) error {
	obj, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			logger.Warnf("Checkpoint '%s' does not exist; nothing to reset.", s.Location())
			return nil
		}
		return exception.NewBatchErrorf(moduleName, "failed to delete checkpoint '%s'", s.Location(), err)
	}
	logger.Infof("Checkpoint '%s' removed.", s.Location())
	return nil
}

// Close releases the GCS client if one was created.
func (s *GCSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

var _ Store = (*GCSStore)(nil)
