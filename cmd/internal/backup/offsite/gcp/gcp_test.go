package gcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/option"
)

func TestNew(t *testing.T) {
	var (
		ctx = context.Background()
		log = zaptest.NewLogger(t).Sugar()
	)

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name:    "no config",
			wantErr: "gcp replicator requires a config",
		},
		{
			name:    "no bucket",
			cfg:     &Config{ProjectID: "clinic"},
			wantErr: "gcp bucket name must not be empty",
		},
		{
			name:    "no project",
			cfg:     &Config{BucketName: "backups"},
			wantErr: "gcp project id must not be empty",
		},
		{
			name:    "nil option",
			cfg:     &Config{BucketName: "backups", ProjectID: "clinic", ClientOpts: []option.ClientOption{nil}},
			wantErr: "option can not be nil",
		},
		{
			name: "valid",
			cfg: &Config{
				BucketName: "backups",
				ProjectID:  "clinic",
				ClientOpts: []option.ClientOption{option.WithoutAuthentication(), option.WithEndpoint("http://localhost:4443/storage/v1/")},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(ctx, log, tt.cfg)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "gcp", r.Name())
			assert.NotNil(t, r.fs)
		})
	}
}
