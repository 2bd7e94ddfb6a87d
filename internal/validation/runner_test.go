package validation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("ok"), 0o644))

	r := NewRunner(dir, []Command{
		{Name: "reads-dir", Run: "cat marker"},
		{Name: "fails", Run: "echo broken; exit 2"},
		{Name: "slow", Run: "exec sleep 5"},
		{Name: "after", Run: "true"},
	}, 200*time.Millisecond, zaptest.NewLogger(t))

	assert.True(t, r.Configured())
	results := r.Run(context.Background())
	require.Len(t, results, 4)

	assert.True(t, results[0].Passed)
	assert.Equal(t, "ok", results[0].Output)

	assert.False(t, results[1].Passed)
	assert.Equal(t, 2, results[1].ExitCode)
	assert.Equal(t, "broken", results[1].Output)

	assert.False(t, results[2].Passed)
	assert.True(t, results[2].TimedOut)

	assert.True(t, results[3].Passed)
	assert.False(t, AllPassed(results))
	assert.True(t, AllPassed(results[3:]))
}

func TestRunnerStopsOnCancel(t *testing.T) {
	r := NewRunner(t.TempDir(), []Command{{Name: "a", Run: "true"}}, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, r.Run(ctx))
}

func TestRunnerNotConfigured(t *testing.T) {
	r := NewRunner(t.TempDir(), nil, time.Second, nil)
	assert.False(t, r.Configured())
	assert.Empty(t, r.Run(context.Background()))
	assert.True(t, AllPassed(nil))
}
