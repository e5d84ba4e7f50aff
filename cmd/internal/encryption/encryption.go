package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Suffix is appended to the file name of encrypted copies
const Suffix = ".aes"

const bufferSize = 1024 * 1024

// Encrypter encrypts offsite copies of backup artifacts with AES-256 in CTR mode.
// The random IV is prepended to the ciphertext.
type Encrypter struct {
	fs  afero.Fs
	key string
	log *zap.SugaredLogger
}

type Config struct {
	FS  afero.Fs
	Key string
}

// New creates a new Encrypter with the given key.
// The key must be 32 ascii characters (AES-256)
func New(log *zap.SugaredLogger, config *Config) (*Encrypter, error) {
	if config == nil {
		return nil, errors.New("encrypter requires a config")
	}
	if len(config.Key) != 32 {
		return nil, fmt.Errorf("key length: %d invalid, must be 32 bytes", len(config.Key))
	}
	if !isASCII(config.Key) {
		return nil, errors.New("key must only contain ascii characters")
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	return &Encrypter{
		log: log,
		key: config.Key,
		fs:  config.FS,
	}, nil
}

// Encrypt streams the ciphertext of input to output
func (e *Encrypter) Encrypt(input io.Reader, output io.Writer) error {
	block, err := aes.NewCipher([]byte(e.key))
	if err != nil {
		return err
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("could not generate iv: %w", err)
	}

	if _, err := output.Write(iv); err != nil {
		return fmt.Errorf("could not write iv: %w", err)
	}

	return xorStream(cipher.NewCTR(block, iv), input, output)
}

// Decrypt streams the cleartext of input to output
func (e *Encrypter) Decrypt(input io.Reader, output io.Writer) error {
	block, err := aes.NewCipher([]byte(e.key))
	if err != nil {
		return err
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(input, iv); err != nil {
		return fmt.Errorf("could not read iv: %w", err)
	}

	return xorStream(cipher.NewCTR(block, iv), input, output)
}

// EncryptFile writes the encrypted content of src to dst
func (e *Encrypter) EncryptFile(src, dst string) error {
	e.log.Debugw("encrypting file", "src", src, "dest", dst)
	return e.transformFile(src, dst, e.Encrypt)
}

// DecryptFile writes the decrypted content of src to dst
func (e *Encrypter) DecryptFile(src, dst string) error {
	e.log.Debugw("decrypting file", "src", src, "dest", dst)
	return e.transformFile(src, dst, e.Decrypt)
}

func (e *Encrypter) transformFile(src, dst string, fn func(io.Reader, io.Writer) error) error {
	in, err := e.fs.Open(src)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := e.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", dst, err)
	}

	err = fn(in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = e.fs.Remove(dst)
		return err
	}

	return nil
}

// IsEncrypted tests if the given file name carries the encryption suffix
func IsEncrypted(path string) bool {
	return filepath.Ext(path) == Suffix
}

// StripSuffix returns the file name without the encryption suffix
func StripSuffix(path string) string {
	return strings.TrimSuffix(path, Suffix)
}

func xorStream(stream cipher.Stream, input io.Reader, output io.Writer) error {
	buf := make([]byte, bufferSize)

	for {
		n, err := input.Read(buf)
		if n > 0 {
			stream.XORKeyStream(buf[:n], buf[:n])
			if _, err := output.Write(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading input (%d bytes read): %w", n, err)
		}
	}

	return nil
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
