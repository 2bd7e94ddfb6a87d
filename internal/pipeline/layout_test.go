package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayout(t *testing.T) {
	l := NewLayout("/work/todo")

	assert.Equal(t, filepath.FromSlash("/work/todo/.popeye"), l.Dir())
	assert.Equal(t, filepath.FromSlash("/work/todo/.popeye/artifacts"), l.StoreDir())
	assert.Equal(t, filepath.FromSlash("/work/todo/.popeye/state.json"), l.StatePath())
	assert.Equal(t, filepath.FromSlash("/work/todo/.popeye/run.lock"), l.LockPath())
	assert.Equal(t, filepath.FromSlash("/work/todo/.popeye/metrics.prom"), l.Resolve(".popeye/metrics.prom"))
	assert.Equal(t, "/var/lib/metrics.prom", l.Resolve("/var/lib/metrics.prom"))
	assert.Empty(t, l.Resolve(""))
}
