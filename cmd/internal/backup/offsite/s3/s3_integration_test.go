//go:build integration

package s3

import (
	"context"
	"fmt"
	"io"
	"path"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func TestReplicator(t *testing.T) {
	var (
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
		log         = zaptest.NewLogger(t).Sugar()
	)

	defer cancel()

	c, endpoint := startMinioContainer(t, ctx)
	defer func() {
		if t.Failed() {
			r, err := c.Logs(ctx)
			if err == nil {
				logs, _ := io.ReadAll(r)
				t.Log(string(logs))
			}
		}
		err := c.Terminate(ctx)
		require.NoError(t, err)
	}()

	var (
		fs        = afero.NewMemMapFs()
		sourceDir = "/var/lib/backup-engine/backups"
		prefix    = "clinic"
	)

	r, err := New(ctx, log, &Config{
		BucketName:   "backups",
		Endpoint:     endpoint,
		AccessKey:    "ACCESSKEY",
		SecretKey:    "SECRETKEY",
		ObjectPrefix: prefix,
		FS:           fs,
	})
	require.NoError(t, err)

	t.Run("ensure target", func(t *testing.T) {
		require.NoError(t, r.EnsureTarget(ctx))
		require.NoError(t, r.EnsureTarget(ctx), "ensuring twice is fine")
	})

	if t.Failed() {
		return
	}

	fileName := "backup_2025-01-15T02-00-00-000Z.sql.gz"

	t.Run("upload", func(t *testing.T) {
		err := afero.WriteFile(fs, path.Join(sourceDir, fileName), []byte("precious data"), 0600)
		require.NoError(t, err)

		err = r.Upload(ctx, path.Join(sourceDir, fileName))
		require.NoError(t, err)

		out, err := r.c.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String("backups"),
			Key:    aws.String(prefix + "/" + fileName),
		})
		require.NoError(t, err)
		defer out.Body.Close()

		content, err := io.ReadAll(out.Body)
		require.NoError(t, err)
		assert.Equal(t, "precious data", string(content))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, r.Delete(ctx, fileName))

		_, err := r.c.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String("backups"),
			Key:    aws.String(prefix + "/" + fileName),
		})
		require.Error(t, err)
	})
}

func startMinioContainer(t testing.TB, ctx context.Context) (testcontainers.Container, string) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/minio/minio",
			ExposedPorts: []string{"9000"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "ACCESSKEY",
				"MINIO_ROOT_PASSWORD": "SECRETKEY",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("9000/tcp"),
			),
		},
		Started: true,
		Logger:  testcontainers.TestLogger(t),
	})
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)

	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return c, fmt.Sprintf("http://%s:%s", host, port.Port())
}
