package config

import (
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, goruntime.NumCPU(), cfg.NumWorkers())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Zero(t, cfg.Timeslice())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
workers: 3
allocate_entry_params: true
block_source: mmap
log_level: debug
catalog_dir: /tmp/programs
worker_timeslice: 250us
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.NumWorkers())
	assert.True(t, cfg.AllocateEntryParams)
	assert.True(t, cfg.AnnotateInitialized, "unset keys keep their defaults")
	assert.Equal(t, "/tmp/programs", cfg.CatalogDir)
	assert.Equal(t, 250*time.Microsecond, cfg.Timeslice())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	opts, err := cfg.EngineOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, opts.Workers)
	assert.True(t, opts.AllocateEntryParams)
	assert.Equal(t, "mmap", opts.BlockSource.Name())
	assert.True(t, opts.EnableStats)
}

func TestLoadNanosecondTimeslice(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeFile(t, "worker_timeslice: 5000\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Microsecond, cfg.Timeslice())
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"negative workers", "workers: -1\n"},
		{"unknown block source", "block_source: gpu\n"},
		{"unknown level", "log_level: loud\n"},
		{"negative timeslice", "worker_timeslice: -1ms\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeFile(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(writeFile(t, "worker_timeslice: soon\n"))
	assert.Error(t, err)
	_, err = Load(writeFile(t, "workers: [1\n"))
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Workers = 2
	cfg.WorkerTimeslice = Duration(time.Millisecond)
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "worker_timeslice: 1ms")

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for s, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
