package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var _ offsite.Replicator = (*Replicator)(nil)

// Replicator uploads artifacts to a google cloud storage bucket
type Replicator struct {
	fs     afero.Fs
	log    *zap.SugaredLogger
	c      *storage.Client
	config *Config
}

// Config provides configuration for the GCP Replicator
type Config struct {
	BucketName     string
	BucketLocation string
	ObjectPrefix   string
	ProjectID      string
	FS             afero.Fs
	ClientOpts     []option.ClientOption
}

func (c *Config) validate() error {
	if c.BucketName == "" {
		return errors.New("gcp bucket name must not be empty")
	}
	if c.ProjectID == "" {
		return errors.New("gcp project id must not be empty")
	}
	for _, opt := range c.ClientOpts {
		if opt == nil {
			return errors.New("option can not be nil")
		}
	}

	return nil
}

// New returns a GCP replicator
func New(ctx context.Context, log *zap.SugaredLogger, config *Config) (*Replicator, error) {
	if config == nil {
		return nil, errors.New("gcp replicator requires a config")
	}

	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	err := config.validate()
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, config.ClientOpts...)
	if err != nil {
		return nil, err
	}

	return &Replicator{
		c:      client,
		config: config,
		log:    log,
		fs:     config.FS,
	}, nil
}

func (r *Replicator) Name() string {
	return "gcp"
}

// EnsureTarget creates the bucket if it does not exist yet
func (r *Replicator) EnsureTarget(ctx context.Context) error {
	bucket := r.c.Bucket(r.config.BucketName)

	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}

	attrs := &storage.BucketAttrs{
		Location: r.config.BucketLocation,
	}

	if err := bucket.Create(ctx, r.config.ProjectID, attrs); err != nil {
		var googleErr *googleapi.Error
		if errors.As(err, &googleErr) && googleErr.Code == http.StatusConflict {
			return nil
		}
		return err
	}

	return nil
}

// Upload writes the artifact file into the bucket
func (r *Replicator) Upload(ctx context.Context, path string) error {
	f, err := r.fs.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	key := offsite.ObjectKey(r.config.ObjectPrefix, filepath.Base(path))

	r.log.Debugw("uploading object", "src", path, "bucket", r.config.BucketName, "key", key)

	w := r.c.Bucket(r.config.BucketName).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("could not upload %s: %w", key, err)
	}

	// the object is only committed on close
	if err := w.Close(); err != nil {
		return fmt.Errorf("could not upload %s: %w", key, err)
	}

	return nil
}

// Delete removes the object of the given artifact file
func (r *Replicator) Delete(ctx context.Context, fileName string) error {
	key := offsite.ObjectKey(r.config.ObjectPrefix, filepath.Base(fileName))

	err := r.c.Bucket(r.config.BucketName).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("could not delete %s: %w", key, err)
	}

	return nil
}
