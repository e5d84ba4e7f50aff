package s3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
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
			wantErr: "s3 replicator requires a config",
		},
		{
			name:    "no bucket",
			cfg:     &Config{AccessKey: "a", SecretKey: "b"},
			wantErr: "s3 bucket name must not be empty",
		},
		{
			name:    "no access key",
			cfg:     &Config{BucketName: "backups", SecretKey: "b"},
			wantErr: "s3 accesskey must not be empty",
		},
		{
			name:    "no secret key",
			cfg:     &Config{BucketName: "backups", AccessKey: "a"},
			wantErr: "s3 secretkey must not be empty",
		},
		{
			name: "valid",
			cfg:  &Config{BucketName: "backups", AccessKey: "a", SecretKey: "b", Endpoint: "http://localhost:9000"},
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
			assert.Equal(t, defaultRegion, r.config.Region)
			assert.Equal(t, "s3", r.Name())
		})
	}
}
