package offsite

import (
	"context"
	"strings"
)

// Replicator copies finished artifacts to a target outside of the artifact directory.
// Replication failures never fail a backup creation.
type Replicator interface {
	// Name identifies the target in logs and metrics
	Name() string
	// EnsureTarget creates the bucket or directory artifacts are replicated to
	EnsureTarget(ctx context.Context) error
	// Upload copies the artifact file at path to the target, the object is named after the file
	Upload(ctx context.Context, path string) error
	// Delete removes the copy of the given artifact file, a missing copy is not an error
	Delete(ctx context.Context, fileName string) error
}

// ObjectKey returns the key an artifact file is stored at below the given prefix
func ObjectKey(prefix, fileName string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fileName
	}
	return prefix + "/" + fileName
}
