package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite"
	"github.com/metal-stack/backup-engine/cmd/internal/utils"
	"github.com/metal-stack/backup-engine/pkg/constants"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	defaultLocalOffsitePath = constants.EngineBaseDir + "/offsite"
)

var _ offsite.Replicator = (*Replicator)(nil)

// Replicator copies artifacts into another directory, usually a mounted network share
type Replicator struct {
	fs     afero.Fs
	log    *zap.SugaredLogger
	config *Config
}

// Config provides configuration for the local Replicator
type Config struct {
	Path string
	FS   afero.Fs
}

func (c *Config) validate() error {
	if !filepath.IsAbs(c.Path) {
		return fmt.Errorf("local offsite path must be absolute: %q", c.Path)
	}
	return nil
}

// New returns a local replicator
func New(log *zap.SugaredLogger, config *Config) (*Replicator, error) {
	if config == nil {
		return nil, errors.New("local replicator requires a config")
	}

	if config.Path == "" {
		config.Path = defaultLocalOffsitePath
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	err := config.validate()
	if err != nil {
		return nil, err
	}

	return &Replicator{
		config: config,
		log:    log,
		fs:     config.FS,
	}, nil
}

func (r *Replicator) Name() string {
	return "local"
}

// EnsureTarget creates the offsite directory
func (r *Replicator) EnsureTarget(_ context.Context) error {
	if err := r.fs.MkdirAll(r.config.Path, 0750); err != nil {
		return fmt.Errorf("could not create local offsite directory: %w", err)
	}

	return nil
}

// Upload copies the artifact into the offsite directory
func (r *Replicator) Upload(_ context.Context, path string) error {
	destination := filepath.Join(r.config.Path, filepath.Base(path))

	r.log.Debugw("copying artifact", "src", path, "dest", destination)

	err := utils.Copy(r.fs, path, destination)
	if err != nil {
		return fmt.Errorf("could not copy %s to %s: %w", path, destination, err)
	}

	return nil
}

// Delete removes the copy of the artifact from the offsite directory
func (r *Replicator) Delete(_ context.Context, fileName string) error {
	err := r.fs.Remove(filepath.Join(r.config.Path, filepath.Base(fileName)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}
