package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/protocol"
)

func newGovernor(t *testing.T, opts Options) *Governor {
	t.Helper()
	g, err := New(opts, metrics.New(), zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestHealthyProcessIsAdmitted(t *testing.T) {
	g := newGovernor(t, Options{SampleInterval: time.Second})

	assert.NoError(t, g.AllowConnection())
	assert.NoError(t, g.AllowExecution())

	snap := g.Snapshot()
	assert.False(t, snap.Degraded)
	assert.Positive(t, snap.Goroutines)
	assert.Positive(t, snap.RSSBytes)
}

func TestSoftMemoryLimitDegrades(t *testing.T) {
	// One byte guarantees the very first sample is over the limit.
	g := newGovernor(t, Options{SampleInterval: time.Second, SoftMemoryBytes: 1})

	err := g.AllowConnection()
	require.Error(t, err)
	we, ok := err.(*protocol.WireError)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrResourceLimit, we.Code)

	err = g.AllowExecution()
	require.Error(t, err)
	assert.True(t, g.Snapshot().Degraded)
}

func TestDegradedModeLiftsWhenLimitRaised(t *testing.T) {
	g := newGovernor(t, Options{SampleInterval: time.Second, SoftMemoryBytes: 1})
	require.True(t, g.Snapshot().Degraded)

	g.SetSoftMemoryLimit(1 << 40)
	g.sample()

	assert.False(t, g.Snapshot().Degraded)
	assert.NoError(t, g.AllowConnection())
}

func TestGoroutineCeiling(t *testing.T) {
	g := newGovernor(t, Options{SampleInterval: time.Second, MaxGoroutines: 1})

	err := g.AllowConnection()
	require.Error(t, err)
	we, ok := err.(*protocol.WireError)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrResourceLimit, we.Code)

	// The goroutine ceiling gates connections only, not executions.
	assert.NoError(t, g.AllowExecution())
}
