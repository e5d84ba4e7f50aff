//go:build integration

package integration_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/metal-stack/backup-engine/cmd/internal/backup"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/store"
	"github.com/metal-stack/backup-engine/cmd/internal/database"
	"github.com/metal-stack/backup-engine/cmd/internal/probe"
	"github.com/metal-stack/backup-engine/cmd/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap/zaptest"
)

type flowSpec struct {
	// requiredCommands are the dump and restore clients which must be installed on the host
	requiredCommands []string

	startDatabase           func(t *testing.T, ctx context.Context) (testcontainers.Container, database.Database, session)
	addTestDataWithIndex    func(t *testing.T, ctx context.Context, s session, index int)
	dropTestData            func(t *testing.T, ctx context.Context, s session)
	verifyTestDataWithIndex func(t *testing.T, ctx context.Context, s session, index int)
}

// session carries the connection details test data is written with
type session struct {
	host     string
	port     int
	user     string
	password string
	name     string
}

func skipWithoutCommands(t *testing.T, commands ...string) {
	for _, c := range commands {
		if !utils.IsCommandPresent(c) {
			t.Skipf("%s is not installed", c)
		}
	}
}

func terminate(t *testing.T, ctx context.Context, c testcontainers.Container) {
	if t.Failed() {
		r, err := c.Logs(ctx)
		if err == nil {
			logs, _ := io.ReadAll(r)
			t.Log(string(logs))
		}
	}
	err := c.Terminate(ctx)
	require.NoError(t, err)
}

func newService(t *testing.T, db database.Dumper) *backup.Service {
	s, err := backup.New(zaptest.NewLogger(t).Sugar().Named("backup"), &backup.Config{
		Path:   t.TempDir(),
		Dumper: db,
	})
	require.NoError(t, err)
	return s
}

func restoreFlow(t *testing.T, spec *flowSpec) {
	skipWithoutCommands(t, spec.requiredCommands...)

	t.Log("running restore flow")
	var (
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
		log         = zaptest.NewLogger(t).Sugar()
	)
	defer cancel()

	c, db, s := spec.startDatabase(t, ctx)
	defer terminate(t, ctx, c)

	require.NoError(t, probe.Start(ctx, log.Named("probe"), db))

	service := newService(t, db)

	t.Log("adding test data to database")
	spec.addTestDataWithIndex(t, ctx, s, 0)

	t.Log("taking a backup")
	a, err := service.CreateBackup(ctx, store.KindManual)
	require.NoError(t, err)
	assert.True(t, a.Compressed)
	assert.Positive(t, a.SizeBytes)

	result, err := service.VerifyBackup(ctx, a.Name)
	require.NoError(t, err)
	require.True(t, result.Valid, result.Reason)

	t.Log("removing test data")
	spec.dropTestData(t, ctx, s)

	t.Log("restoring backup")
	require.NoError(t, service.RestoreBackup(ctx, a.Name))

	t.Log("verify that data gets restored")
	spec.verifyTestDataWithIndex(t, ctx, s, 0)
}

func restoreFromMultipleBackupsFlow(t *testing.T, spec *flowSpec) {
	skipWithoutCommands(t, spec.requiredCommands...)

	t.Log("running restore from multiple backups flow")
	var (
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
		log         = zaptest.NewLogger(t).Sugar()
		artifacts   []*store.Artifact
	)
	defer cancel()

	c, db, s := spec.startDatabase(t, ctx)
	defer terminate(t, ctx, c)

	require.NoError(t, probe.Start(ctx, log.Named("probe"), db))

	service := newService(t, db)

	for i := 0; i < 3; i++ {
		t.Log("adding test data", "index", i)
		spec.addTestDataWithIndex(t, ctx, s, i)

		t.Log("taking a backup")
		a, err := service.CreateBackup(ctx, store.KindAutomatic)
		require.NoError(t, err)
		artifacts = append(artifacts, a)
	}

	listed, err := service.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, artifacts[2].Name, listed[0].Name, "newest backup comes first")

	spec.dropTestData(t, ctx, s)

	t.Log("restoring the second backup")
	require.NoError(t, service.RestoreBackup(ctx, artifacts[1].Name))

	spec.verifyTestDataWithIndex(t, ctx, s, 1)
}
