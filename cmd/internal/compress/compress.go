package compress

import (
	"fmt"
	"io"

	backuperrors "github.com/metal-stack/backup-engine/cmd/internal/backup/errors"
	"github.com/mholt/archiver/v3"
	"github.com/spf13/afero"
)

// partialSuffix is appended to the destination while it is being written
const partialSuffix = ".partial"

type (
	// Compressor streams artifacts from a source file into a destination file, compressing or
	// decompressing in transit. The payload is never held in memory as a whole.
	Compressor struct {
		fs             afero.Fs
		singleThreaded bool
	}

	CompressorConfig struct {
		FS afero.Fs
		// SingleThreaded disables parallel gzip compression
		SingleThreaded bool
	}
)

// New returns a new Compressor
func New(config *CompressorConfig) *Compressor {
	if config == nil {
		config = &CompressorConfig{}
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	return &Compressor{
		fs:             config.FS,
		singleThreaded: config.SingleThreaded,
	}
}

// ValidateLevel returns an error if the given gzip level is not within 0 and 9
func ValidateLevel(level int) error {
	if level < 0 || level > 9 {
		return fmt.Errorf("compression level %d invalid, must be between 0 and 9", level)
	}
	return nil
}

// Compress reads sourcePath sequentially and writes it gzip compressed at the given level to destPath.
// destPath only appears once it was written completely.
func (c *Compressor) Compress(sourcePath, destPath string, level int) error {
	if err := ValidateLevel(level); err != nil {
		return fmt.Errorf("%w: %w", backuperrors.ErrCompressionFailed, err)
	}

	gz := &archiver.Gz{
		CompressionLevel: level,
		SingleThreaded:   c.singleThreaded,
	}

	err := c.transform(sourcePath, destPath, gz.Compress)
	if err != nil {
		return fmt.Errorf("%w: %w", backuperrors.ErrCompressionFailed, err)
	}

	return nil
}

// Decompress is the inverse of Compress. It fails if sourcePath is not a valid gzip stream.
func (c *Compressor) Decompress(sourcePath, destPath string) error {
	gz := &archiver.Gz{
		SingleThreaded: c.singleThreaded,
	}

	err := c.transform(sourcePath, destPath, gz.Decompress)
	if err != nil {
		return fmt.Errorf("%w: %w", backuperrors.ErrDecompressionFailed, err)
	}

	return nil
}

func (c *Compressor) transform(sourcePath, destPath string, fn func(in io.Reader, out io.Writer) error) (err error) {
	in, err := c.fs.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("unable to open source file: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	partial := destPath + partialSuffix

	out, err := c.fs.Create(partial)
	if err != nil {
		return fmt.Errorf("unable to create destination file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = c.fs.Remove(partial)
		}
	}()

	err = fn(in, out)
	if err != nil {
		_ = out.Close()
		return err
	}

	err = out.Sync()
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("unable to sync destination file: %w", err)
	}

	err = out.Close()
	if err != nil {
		return fmt.Errorf("unable to close destination file: %w", err)
	}

	err = c.fs.Rename(partial, destPath)
	if err != nil {
		return fmt.Errorf("unable to move destination file into place: %w", err)
	}

	return nil
}
