package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/redo/internal/redo"
)

func TestNewCfgDefaults(t *testing.T) {
	cfg := NewCfg()
	assert.Equal(t, 4, cfg.ContextCount)
	assert.Equal(t, redo.DurabilitySync, cfg.DurabilityMode())
}

func TestLoadOverridesFromIni(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redo.ini")
	body := "[redo]\ncontext_count = 8\ndurability = no_sync\n\n[replica]\nmax_threads = 3\nqueue_depth = 128\n\n[log]\nlog_level = debug\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := NewCfg().Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.ContextCount)
	assert.Equal(t, redo.DurabilityNoSync, cfg.DurabilityMode())
	assert.Equal(t, 3, cfg.MaxThreads)
	assert.Equal(t, 128, cfg.QueueDepth)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEmptyPathKeepsDefaults(t *testing.T) {
	cfg, err := NewCfg().Load("")
	require.NoError(t, err)
	assert.Equal(t, 1<<20, cfg.RedoBufferSize)
}
