package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the XDG dirs into a temp dir so user configs
// cannot leak into tests.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, ".local", "share"))
	return tmpDir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Caps.Messages)
	assert.Equal(t, 200, cfg.Caps.Progress)
	assert.Equal(t, 1024, cfg.Caps.Queue)
	assert.Equal(t, 32, cfg.Caps.Batch)
	assert.Equal(t, 40, cfg.Caps.MergeScan)
	assert.Equal(t, 24, cfg.Caps.AttachPerThread)
	assert.Equal(t, 16, cfg.Caps.AttachThreads)
	assert.Equal(t, "127.0.0.1:8488", cfg.Bridge.Addr)
	assert.Equal(t, "codex", cfg.Backend.Command)
	assert.Contains(t, cfg.Compat.DocumentGlobs, "**/*.ipynb")
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadProjectJSONC(t *testing.T) {
	tmpDir := isolate(t)

	projectConfig := `{
		// local backend during development
		"backend": {
			"url": "ws://localhost:9999/channel",
			"model": "gpt-5-codex"
		},
		"caps": {
			"queue": 256 // constrained host
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "nbcodex.jsonc"), []byte(projectConfig), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9999/channel", cfg.Backend.URL)
	assert.Equal(t, "gpt-5-codex", cfg.Backend.Model)
	assert.Equal(t, 256, cfg.Caps.Queue)
	// Untouched caps keep their defaults.
	assert.Equal(t, 100, cfg.Caps.Messages)
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	tmpDir := isolate(t)

	globalDir := filepath.Join(tmpDir, ".config", "nbcodex")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "nbcodex.json"),
		[]byte(`{"backend": {"model": "global-model", "command": "/usr/bin/codex"}}`), 0644))

	projectDir := filepath.Join(tmpDir, "project")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "nbcodex.json"),
		[]byte(`{"backend": {"model": "project-model"}}`), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)

	assert.Equal(t, "project-model", cfg.Backend.Model)
	// Global values survive where the project file is silent.
	assert.Equal(t, "/usr/bin/codex", cfg.Backend.Command)
}

func TestEnvInterpolation(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("TEST_NBCODEX_URL", "ws://interp:1234/channel")

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "nbcodex.json"),
		[]byte(`{"backend": {"url": "{env:TEST_NBCODEX_URL}"}}`), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "ws://interp:1234/channel", cfg.Backend.URL)
}

func TestFileInterpolation(t *testing.T) {
	tmpDir := isolate(t)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "model.txt"), []byte("o4-mini"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "nbcodex.json"),
		[]byte(`{"backend": {"model": "{file:model.txt}"}}`), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "o4-mini", cfg.Backend.Model)
}

func TestInlineConfigContent(t *testing.T) {
	isolate(t)
	t.Setenv("NBCODEX_CONFIG_CONTENT", `{"bridge": {"addr": "127.0.0.1:7777"}}`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.Bridge.Addr)
}

func TestEnvOverridesWinOverFiles(t *testing.T) {
	tmpDir := isolate(t)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "nbcodex.json"),
		[]byte(`{"backend": {"url": "ws://from-file/channel"}, "log": {"level": "debug"}}`), 0644))

	t.Setenv("NBCODEX_BACKEND_URL", "ws://from-env/channel")
	t.Setenv("NBCODEX_LOG_LEVEL", "warn")
	t.Setenv("NBCODEX_DATA_DIR", filepath.Join(tmpDir, "override-data"))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env/channel", cfg.Backend.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, filepath.Join(tmpDir, "override-data"), cfg.DataDir)
}

func TestDotEnvLoaded(t *testing.T) {
	tmpDir := isolate(t)

	// godotenv writes straight into the process environment.
	t.Cleanup(func() { os.Unsetenv("NBCODEX_MODEL") })
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".env"),
		[]byte("NBCODEX_MODEL=dotenv-model\n"), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "dotenv-model", cfg.Backend.Model)
}

func TestNBCODEXConfigFile(t *testing.T) {
	tmpDir := isolate(t)

	cfg := Default()
	cfg.Backend.Model = "saved-model"
	path := filepath.Join(tmpDir, "out", "nbcodex.json")
	require.NoError(t, Save(cfg, path))

	t.Setenv("NBCODEX_CONFIG", path)

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.Backend.Model)
}

func TestGetPaths(t *testing.T) {
	tmpDir := isolate(t)

	paths := GetPaths()
	assert.Equal(t, filepath.Join(tmpDir, ".config", "nbcodex"), paths.Config)
	assert.Equal(t, filepath.Join(tmpDir, ".local", "share", "nbcodex"), paths.Data)
	assert.Equal(t, filepath.Join(paths.Data, "storage"), paths.StoragePath())

	require.NoError(t, paths.EnsurePaths())
	for _, dir := range []string{paths.Data, paths.Config, paths.Cache, paths.State} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
