package store

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

// Catalog is the append-only metadata log of successfully created backups.
// It is a human browsable audit trail, never the source of truth for listing.
type Catalog struct {
	fs   afero.Fs
	path string
	now  func() time.Time
}

// NewCatalog returns a catalog persisted as json array at path
func NewCatalog(fsys afero.Fs, path string) *Catalog {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Catalog{
		fs:   fsys,
		path: path,
		now:  time.Now,
	}
}

// Path returns the location of the catalog file
func (c *Catalog) Path() string {
	return c.path
}

// Entries returns all records of the catalog in the order they were appended
func (c *Catalog) Entries() ([]*Artifact, error) {
	raw, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read catalog: %w", err)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var entries []*Artifact
	err = json.Unmarshal(raw, &entries)
	if err != nil {
		return nil, &CorruptedError{Path: c.path, Err: err}
	}

	return entries, nil
}

// Append adds the artifact to the catalog. This is a read-modify-write of the whole file,
// callers have to serialize concurrent appends.
//
// An unreadable catalog is moved aside and a fresh one is started, the moved file path is
// returned in the CorruptedError which is returned alongside a successful append.
func (c *Catalog) Append(a *Artifact) error {
	entries, err := c.Entries()

	var corrupted *CorruptedError
	if errors.As(err, &corrupted) {
		corrupted.MovedTo = fmt.Sprintf("%s.corrupted-%d", c.path, c.now().Unix())
		if renameErr := c.fs.Rename(c.path, corrupted.MovedTo); renameErr != nil {
			return fmt.Errorf("could not move corrupted catalog aside: %w", renameErr)
		}
		entries = nil
	} else if err != nil {
		return err
	}

	entries = append(entries, a)

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode catalog: %w", err)
	}

	tmp := c.path + ".tmp"
	err = afero.WriteFile(c.fs, tmp, raw, 0640)
	if err != nil {
		return fmt.Errorf("could not write catalog: %w", err)
	}

	err = c.fs.Rename(tmp, c.path)
	if err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("could not move catalog into place: %w", err)
	}

	if corrupted != nil {
		return corrupted
	}

	return nil
}

// CorruptedError indicates that the catalog file does not contain a valid json array
type CorruptedError struct {
	Path    string
	MovedTo string
	Err     error
}

func (e *CorruptedError) Error() string {
	if e.MovedTo != "" {
		return fmt.Sprintf("catalog %s was corrupted and moved to %s: %s", e.Path, e.MovedTo, e.Err)
	}
	return fmt.Sprintf("catalog %s is corrupted: %s", e.Path, e.Err)
}

func (e *CorruptedError) Unwrap() error {
	return e.Err
}
