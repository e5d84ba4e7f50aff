package probe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProber struct {
	calls     atomic.Int32
	failUntil int32
}

func (p *fakeProber) Probe(context.Context) error {
	n := p.calls.Add(1)
	if n <= p.failUntil {
		return errors.New("connection refused")
	}
	return nil
}

func TestStart(t *testing.T) {
	probeInterval = 10 * time.Millisecond

	t.Run("available after retries", func(t *testing.T) {
		p := &fakeProber{failUntil: 3}

		err := Start(context.Background(), zaptest.NewLogger(t).Sugar(), p)
		require.NoError(t, err)
		assert.Equal(t, int32(4), p.calls.Load())
	})

	t.Run("gives up when the context is done", func(t *testing.T) {
		p := &fakeProber{failUntil: 1 << 30}

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := Start(ctx, zaptest.NewLogger(t).Sugar(), p)
		require.Error(t, err)
		assert.Greater(t, p.calls.Load(), int32(1))
	})
}
