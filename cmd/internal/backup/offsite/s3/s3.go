package s3

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	defaultRegion = "us-east-1"
)

var _ offsite.Replicator = (*Replicator)(nil)

// Replicator uploads artifacts to an S3 compatible object storage
type Replicator struct {
	fs     afero.Fs
	log    *zap.SugaredLogger
	c      *s3.Client
	config *Config
}

// Config provides configuration for the S3 Replicator
type Config struct {
	BucketName   string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	ObjectPrefix string
	FS           afero.Fs
}

func (c *Config) validate() error {
	if c.BucketName == "" {
		return errors.New("s3 bucket name must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("s3 accesskey must not be empty")
	}
	if c.SecretKey == "" {
		return errors.New("s3 secretkey must not be empty")
	}

	return nil
}

// New returns a S3 replicator
func New(ctx context.Context, log *zap.SugaredLogger, cfg *Config) (*Replicator, error) {
	if cfg == nil {
		return nil, errors.New("s3 replicator requires a config")
	}

	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("could not load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Replicator{
		c:      client,
		config: cfg,
		log:    log,
		fs:     cfg.FS,
	}, nil
}

func (r *Replicator) Name() string {
	return "s3"
}

// EnsureTarget creates the bucket if it does not exist yet
func (r *Replicator) EnsureTarget(ctx context.Context) error {
	_, err := r.c.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(r.config.BucketName),
	})
	if err != nil {
		var (
			owned  *types.BucketAlreadyOwnedByYou
			exists *types.BucketAlreadyExists
		)
		switch {
		case errors.As(err, &owned), errors.As(err, &exists):
		default:
			return fmt.Errorf("could not create bucket %s: %w", r.config.BucketName, err)
		}
	}

	return nil
}

// Upload puts the artifact file into the bucket
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

	uploader := manager.NewUploader(r.c)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.config.BucketName),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("could not upload %s: %w", key, err)
	}

	return nil
}

// Delete removes the object of the given artifact file, S3 does not fail on missing keys
func (r *Replicator) Delete(ctx context.Context, fileName string) error {
	key := offsite.ObjectKey(r.config.ObjectPrefix, filepath.Base(fileName))

	_, err := r.c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.config.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("could not delete %s: %w", key, err)
	}

	return nil
}
