package errors

import (
	"errors"
	"net/http"
)

var (
	// ErrDumpFailed indicates that the external dump process could not be started or exited non-zero
	ErrDumpFailed = errors.New("dump failed")
	// ErrRestoreFailed indicates that the external restore process could not be started or exited non-zero
	ErrRestoreFailed = errors.New("restore failed")
	// ErrCompressionFailed indicates an I/O error while compressing an artifact
	ErrCompressionFailed = errors.New("compression failed")
	// ErrDecompressionFailed indicates that an artifact is not validly compressed or could not be read
	ErrDecompressionFailed = errors.New("decompression failed")
	// ErrBackupNotFound indicates that neither variant of a backup exists in the artifact directory
	ErrBackupNotFound = errors.New("backup not found")
	// ErrBackupCreationFailed wraps the dump failure that aborted a backup creation
	ErrBackupCreationFailed = errors.New("backup creation failed")
)

var kinds = []struct {
	err  error
	name string
}{
	// order matters, the outer kind wins
	{ErrBackupCreationFailed, "BackupCreationFailed"},
	{ErrBackupNotFound, "BackupNotFound"},
	{ErrDecompressionFailed, "DecompressionFailed"},
	{ErrRestoreFailed, "RestoreFailed"},
	{ErrCompressionFailed, "CompressionFailed"},
	{ErrDumpFailed, "DumpFailed"},
}

// Kind returns the name of the error kind contained in err, or an empty string for unknown errors.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// StatusCode translates an error into the http status an api layer should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBackupNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
