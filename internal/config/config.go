package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config is the engine configuration assembled from settings files and
// environment overrides.
type Config struct {
	// DataDir is the shared storage directory. Instances that should see
	// each other's thread resets must point at the same directory.
	DataDir string `json:"dataDir,omitempty"`

	Backend BackendConfig `json:"backend,omitempty"`
	Bridge  BridgeConfig  `json:"bridge,omitempty"`
	Caps    Caps          `json:"caps,omitempty"`
	Compat  CompatConfig  `json:"compat,omitempty"`
	Log     LogConfig     `json:"log,omitempty"`
}

// BackendConfig describes the backend bridge this instance connects to.
type BackendConfig struct {
	// URL is the websocket endpoint of the backend bridge.
	URL string `json:"url,omitempty"`
	// Command is the backend CLI path surfaced in install hints.
	Command string `json:"command,omitempty"`

	// Default option selections seeding new sessions until the backend
	// advertises its own defaults.
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// BridgeConfig describes the local HTTP bridge for the rendering layer.
type BridgeConfig struct {
	Addr string `json:"addr,omitempty"`
}

// Caps are the bounded-memory knobs. Zero values fall back to defaults.
type Caps struct {
	Messages        int `json:"messages,omitempty"`        // retained messages per session
	Progress        int `json:"progress,omitempty"`        // progress text length
	Queue           int `json:"queue,omitempty"`           // intake hard cap
	Batch           int `json:"batch,omitempty"`           // intake messages per tick
	MergeScan       int `json:"mergeScan,omitempty"`       // backward merge scan distance
	AttachPerThread int `json:"attachPerThread,omitempty"` // attachment window per thread
	AttachThreads   int `json:"attachThreads,omitempty"`   // tracked attachment threads
	PreviewChars    int `json:"previewChars,omitempty"`    // selection preview text
	LocationChars   int `json:"locationChars,omitempty"`   // selection preview label
}

// CompatConfig controls which documents get sessions.
type CompatConfig struct {
	// DocumentGlobs are doublestar patterns for supported document paths.
	DocumentGlobs []string `json:"documentGlobs,omitempty"`
}

// LogConfig controls the zerolog setup.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
	File   bool   `json:"file,omitempty"`
	Dir    string `json:"dir,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: GetPaths().StoragePath(),
		Backend: BackendConfig{
			URL:     "ws://127.0.0.1:8787/channel",
			Command: "codex",
		},
		Bridge: BridgeConfig{
			Addr: "127.0.0.1:8488",
		},
		Caps: Caps{
			Messages:        100,
			Progress:        200,
			Queue:           1024,
			Batch:           32,
			MergeScan:       40,
			AttachPerThread: 24,
			AttachThreads:   16,
			PreviewChars:    1000,
			LocationChars:   80,
		},
		Compat: CompatConfig{
			DocumentGlobs: []string{"**/*.ipynb", "**/*.py"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load assembles configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/nbcodex/nbcodex.json[c])
// 3. Project config (nbcodex.json[c] or .nbcodex/nbcodex.json[c])
// 4. NBCODEX_CONFIG file
// 5. NBCODEX_CONFIG_CONTENT inline JSON
// 6. NBCODEX_* environment variables
// A .env file in the project directory is loaded first, non-fatally.
func Load(directory string) (*Config, error) {
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "nbcodex.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "nbcodex.jsonc"), globalPath)

	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".nbcodex")
		loadOnce(filepath.Join(directory, "nbcodex.json"), directory)
		loadOnce(filepath.Join(directory, "nbcodex.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "nbcodex.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "nbcodex.jsonc"), projectConfigDir)
	}

	if configPath := os.Getenv("NBCODEX_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if configContent := os.Getenv("NBCODEX_CONFIG_CONTENT"); configContent != "" {
		var inline Config
		if err := json.Unmarshal([]byte(configContent), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target. Scalars replace when set;
// caps replace per field; globs replace wholesale.
func mergeConfig(target, source *Config) {
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}

	if source.Backend.URL != "" {
		target.Backend.URL = source.Backend.URL
	}
	if source.Backend.Command != "" {
		target.Backend.Command = source.Backend.Command
	}
	if source.Backend.Model != "" {
		target.Backend.Model = source.Backend.Model
	}
	if source.Backend.ReasoningEffort != "" {
		target.Backend.ReasoningEffort = source.Backend.ReasoningEffort
	}

	if source.Bridge.Addr != "" {
		target.Bridge.Addr = source.Bridge.Addr
	}

	mergeCaps(&target.Caps, &source.Caps)

	if len(source.Compat.DocumentGlobs) > 0 {
		target.Compat.DocumentGlobs = source.Compat.DocumentGlobs
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}
}

func mergeCaps(target, source *Caps) {
	if source.Messages > 0 {
		target.Messages = source.Messages
	}
	if source.Progress > 0 {
		target.Progress = source.Progress
	}
	if source.Queue > 0 {
		target.Queue = source.Queue
	}
	if source.Batch > 0 {
		target.Batch = source.Batch
	}
	if source.MergeScan > 0 {
		target.MergeScan = source.MergeScan
	}
	if source.AttachPerThread > 0 {
		target.AttachPerThread = source.AttachPerThread
	}
	if source.AttachThreads > 0 {
		target.AttachThreads = source.AttachThreads
	}
	if source.PreviewChars > 0 {
		target.PreviewChars = source.PreviewChars
	}
	if source.LocationChars > 0 {
		target.LocationChars = source.LocationChars
	}
}

// applyEnvOverrides applies NBCODEX_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("NBCODEX_DATA_DIR"); v != "" {
		config.DataDir = v
	}
	if v := os.Getenv("NBCODEX_BACKEND_URL"); v != "" {
		config.Backend.URL = v
	}
	if v := os.Getenv("NBCODEX_BACKEND_COMMAND"); v != "" {
		config.Backend.Command = v
	}
	if v := os.Getenv("NBCODEX_MODEL"); v != "" {
		config.Backend.Model = v
	}
	if v := os.Getenv("NBCODEX_BRIDGE_ADDR"); v != "" {
		config.Bridge.Addr = v
	}
	if v := os.Getenv("NBCODEX_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
