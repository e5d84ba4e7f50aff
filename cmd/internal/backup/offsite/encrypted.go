package offsite

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/metal-stack/backup-engine/cmd/internal/encryption"
	"github.com/spf13/afero"
)

var _ Replicator = (*Encrypted)(nil)

// Encrypted uploads encrypted copies of artifacts through another replicator.
// Copies are stored with the encryption suffix appended to the artifact file name.
type Encrypted struct {
	inner     Replicator
	encrypter *encryption.Encrypter
	fs        afero.Fs
}

// WithEncryption wraps the given replicator, fs holds the temporary encrypted files
func WithEncryption(inner Replicator, encrypter *encryption.Encrypter, fs afero.Fs) *Encrypted {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Encrypted{
		inner:     inner,
		encrypter: encrypter,
		fs:        fs,
	}
}

func (e *Encrypted) Name() string {
	return e.inner.Name()
}

func (e *Encrypted) EnsureTarget(ctx context.Context) error {
	return e.inner.EnsureTarget(ctx)
}

// Upload encrypts the artifact into a temporary directory and uploads the result
func (e *Encrypted) Upload(ctx context.Context, path string) error {
	dir, err := afero.TempDir(e.fs, "", "backup-engine-offsite")
	if err != nil {
		return fmt.Errorf("could not create temporary directory: %w", err)
	}
	defer func() {
		_ = e.fs.RemoveAll(dir)
	}()

	encrypted := filepath.Join(dir, filepath.Base(path)+encryption.Suffix)

	err = e.encrypter.EncryptFile(path, encrypted)
	if err != nil {
		return fmt.Errorf("could not encrypt %s: %w", path, err)
	}

	return e.inner.Upload(ctx, encrypted)
}

func (e *Encrypted) Delete(ctx context.Context, fileName string) error {
	return e.inner.Delete(ctx, fileName+encryption.Suffix)
}
