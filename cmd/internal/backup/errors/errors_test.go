package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "unknown", err: io.EOF, want: ""},
		{name: "not found", err: fmt.Errorf("%w: backup_x", ErrBackupNotFound), want: "BackupNotFound"},
		{name: "plain dump", err: fmt.Errorf("%w: exit status 1", ErrDumpFailed), want: "DumpFailed"},
		{
			name: "creation wraps dump",
			err:  fmt.Errorf("%w: %w", ErrBackupCreationFailed, fmt.Errorf("%w: exit status 1", ErrDumpFailed)),
			want: "BackupCreationFailed",
		},
		{name: "decompression", err: fmt.Errorf("%w: %w", ErrDecompressionFailed, io.ErrUnexpectedEOF), want: "DecompressionFailed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusNotFound, StatusCode(fmt.Errorf("%w: backup_x", ErrBackupNotFound)))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(fmt.Errorf("%w: boom", ErrRestoreFailed)))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(io.EOF))
}
