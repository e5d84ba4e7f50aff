package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
}

func (r *recorder) Notify(_ context.Context, e Entry) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	n.Notify(context.Background(), Entry{
		Resource:  ResourceBackup,
		Action:    ActionRestore,
		Name:      "backup_2025-01-15T02-00-00-000Z",
		Outcome:   OutcomeFailure,
		Error:     "restore failed",
		Timestamp: time.Now(),
	})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "backup", fields["resource"])
	assert.Equal(t, "RESTORE", fields["action"])
	assert.Equal(t, "failure", fields["outcome"])
	assert.Equal(t, "restore failed", fields["error"])
}

func TestFileNotifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")

	n, closer := NewFileNotifier(path)
	n.Notify(context.Background(), Entry{
		Resource:  ResourceBackup,
		Action:    ActionBackup,
		Name:      "backup_2025-01-15T02-00-00-000Z",
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now(),
		Details:   map[string]any{"sizeBytes": 42},
	})
	require.NoError(t, closer())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(raw, &line))
	assert.Equal(t, "BACKUP", line["action"])
	assert.Equal(t, "audit", line["logger"])
	assert.Contains(t, line, "timestamp")
}

func TestAsync(t *testing.T) {
	r := &recorder{}
	a := NewAsync(zaptest.NewLogger(t).Sugar(), r, 10)

	for n := 0; n < 5; n++ {
		a.Notify(context.Background(), Entry{Action: ActionBackup})
	}
	a.Close()

	assert.Len(t, r.entries, 5)

	// closed notifiers drop silently
	a.Notify(context.Background(), Entry{Action: ActionBackup})
	a.Close()
	assert.Len(t, r.entries, 5)
}

func TestAsyncNeverBlocks(t *testing.T) {
	r := &recorder{block: make(chan struct{})}
	a := NewAsync(zaptest.NewLogger(t).Sugar(), r, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 10; n++ {
			a.Notify(context.Background(), Entry{Action: ActionRestore})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notify blocked on a slow notifier")
	}

	close(r.block)
	a.Close()

	assert.NotEmpty(t, r.entries)
	assert.LessOrEqual(t, len(r.entries), 2)
}
