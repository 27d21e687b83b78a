// Package config provides configuration loading, merging, and path management
// for nbcodex.
//
// # Configuration Loading
//
// Load assembles configuration from multiple sources in priority order:
//
//  1. Built-in defaults
//  2. Global config (~/.config/nbcodex/nbcodex.json or nbcodex.jsonc)
//  3. Project config (nbcodex.json[c] or .nbcodex/nbcodex.json[c] in the
//     working directory)
//  4. NBCODEX_CONFIG file
//  5. NBCODEX_CONFIG_CONTENT inline JSON
//  6. NBCODEX_* environment variables
//
// A .env file in the project directory is loaded first (non-fatally) so the
// interpolation step and the env overrides below see its values.
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with comments, processed with tidwall/jsonc) are
// accepted.
//
// # Variable Interpolation
//
// Config files support two placeholder forms:
//   - {env:VAR_NAME} - expands to the environment variable's value
//   - {file:path} - expands to the file's contents, escaped for JSON; the
//     path may be absolute, relative to the config file, or ~/-prefixed
//
// Example:
//
//	{
//	  "backend": {
//	    "url": "{env:NBCODEX_BACKEND_URL}",
//	    "command": "codex"
//	  },
//	  // bound the intake queue lower on constrained hosts
//	  "caps": { "queue": 256 }
//	}
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/nbcodex (XDG_DATA_HOME)
//   - Config: ~/.config/nbcodex (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/nbcodex (XDG_CACHE_HOME)
//   - State: ~/.local/state/nbcodex (XDG_STATE_HOME)
//
// On Windows, these fall back to APPDATA. The shared storage directory
// (Paths.StoragePath) is what independent instances point at to observe each
// other's thread resets.
//
// # Environment Variable Overrides
//
//   - NBCODEX_DATA_DIR - shared storage directory
//   - NBCODEX_BACKEND_URL - backend websocket endpoint
//   - NBCODEX_BACKEND_COMMAND - backend CLI path for install hints
//   - NBCODEX_MODEL - default model selection
//   - NBCODEX_BRIDGE_ADDR - UI bridge listen address
//   - NBCODEX_LOG_LEVEL - log level
//   - NBCODEX_CONFIG - path to a specific config file
//   - NBCODEX_CONFIG_CONTENT - inline JSON configuration
package config
