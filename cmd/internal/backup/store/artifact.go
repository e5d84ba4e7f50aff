package store

import (
	"regexp"
	"strings"
	"time"

	"github.com/metal-stack/backup-engine/pkg/constants"
)

// Kind describes what triggered the creation of an artifact
type Kind string

const (
	// KindAutomatic artifacts are created by the scheduler
	KindAutomatic Kind = "automatic"
	// KindManual artifacts are created on operator request
	KindManual Kind = "manual"
)

// Artifact is a single backup file on disk, either plain or gzip compressed.
type Artifact struct {
	Name       string    `json:"name"`
	FilePath   string    `json:"filePath"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
	Kind       Kind      `json:"kind,omitempty"`
	Compressed bool      `json:"compressed"`
}

// FileName returns the base name of the artifact file including its extension
func (a *Artifact) FileName() string {
	if a.Compressed {
		return a.Name + constants.CompressedExtension
	}
	return a.Name + constants.PlainExtension
}

var nameRegex = regexp.MustCompile(`^` + constants.ArtifactPrefix + `\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}(-\d{3})?Z$`)

// NewName derives an artifact name from the given time, e.g. backup_2025-01-15T02-00-00-000Z
func NewName(t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return constants.ArtifactPrefix + strings.NewReplacer(":", "-", ".", "-").Replace(ts)
}

// ValidName returns whether name follows the artifact naming convention
func ValidName(name string) bool {
	return nameRegex.MatchString(name)
}

// SplitFileName returns the artifact name and whether the file is compressed.
// ok is false for files not belonging to the artifact naming convention.
func SplitFileName(fileName string) (name string, compressed bool, ok bool) {
	switch {
	case strings.HasSuffix(fileName, constants.CompressedExtension):
		name = strings.TrimSuffix(fileName, constants.CompressedExtension)
		compressed = true
	case strings.HasSuffix(fileName, constants.PlainExtension):
		name = strings.TrimSuffix(fileName, constants.PlainExtension)
	default:
		return "", false, false
	}

	if !ValidName(name) {
		return "", false, false
	}

	return name, compressed, true
}
