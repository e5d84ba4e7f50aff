package store

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	backuperrors "github.com/metal-stack/backup-engine/cmd/internal/backup/errors"
	"github.com/metal-stack/backup-engine/pkg/constants"
	"github.com/spf13/afero"
)

// Store is the directory holding backup artifacts. The directory is the source of truth,
// every listing is computed from it.
type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a store rooted at dir
func New(fsys afero.Fs, dir string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{
		fs:  fsys,
		dir: dir,
	}
}

// Dir returns the artifact directory
func (s *Store) Dir() string {
	return s.dir
}

// Ensure creates the artifact directory if it does not exist
func (s *Store) Ensure() error {
	if err := s.fs.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("could not create backup directory: %w", err)
	}
	return nil
}

// Paths returns the candidate paths of the plain and the compressed variant of name
func (s *Store) Paths(name string) (plain string, compressed string) {
	base := filepath.Join(s.dir, name)
	return base + constants.PlainExtension, base + constants.CompressedExtension
}

// TempPath returns a hidden path next to the artifacts which is never reported as an artifact
func (s *Store) TempPath(name, purpose string) string {
	return filepath.Join(s.dir, "."+name+"."+purpose+constants.PlainExtension)
}

// Exists returns whether a file exists at path
func (s *Store) Exists(path string) (bool, error) {
	return afero.Exists(s.fs, path)
}

// Stat returns the artifact record for the file at path
func (s *Store) Stat(name, path string, compressed bool) (*Artifact, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Name:       name,
		FilePath:   path,
		SizeBytes:  info.Size(),
		CreatedAt:  info.ModTime(),
		Compressed: compressed,
	}, nil
}

// Resolve returns whichever variant of name exists, the compressed one takes precedence.
// ErrBackupNotFound is returned if there is none.
func (s *Store) Resolve(name string) (*Artifact, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", backuperrors.ErrBackupNotFound, name)
	}

	plain, compressed := s.Paths(name)

	a, err := s.Stat(name, compressed, true)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	a, err = s.Stat(name, plain, false)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	return nil, fmt.Errorf("%w: %q", backuperrors.ErrBackupNotFound, name)
}

// Remove deletes every variant of name. ErrBackupNotFound is returned if there is none.
func (s *Store) Remove(name string) (*Artifact, error) {
	a, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}

	for _, p := range s.paths(name) {
		err := s.fs.Remove(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not delete backup file %s: %w", p, err)
		}
	}

	return a, nil
}

// List scans the artifact directory and returns all artifacts sorted by creation time descending.
// Files not following the naming convention are ignored, a missing directory yields no artifacts.
func (s *Store) List() ([]*Artifact, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read backup directory: %w", err)
	}

	byName := map[string]*Artifact{}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}

		name, compressed, ok := SplitFileName(info.Name())
		if !ok {
			continue
		}

		if existing, ok := byName[name]; ok && existing.Compressed {
			// a left over plain file next to its compressed variant is not reported
			continue
		}

		byName[name] = &Artifact{
			Name:       name,
			FilePath:   filepath.Join(s.dir, info.Name()),
			SizeBytes:  info.Size(),
			CreatedAt:  info.ModTime(),
			Compressed: compressed,
		}
	}

	result := make([]*Artifact, 0, len(byName))
	for _, a := range byName {
		result = append(result, a)
	}

	Sort(result)

	return result, nil
}

// Sort the given artifacts by creation time, newest first
func Sort(artifacts []*Artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].Name > artifacts[j].Name
		}
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
}

func (s *Store) paths(name string) []string {
	plain, compressed := s.Paths(name)
	return []string{compressed, plain}
}
