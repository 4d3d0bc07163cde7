package main

// ---------------------------------------------------------------------------
// helpers.go: TTY detection, color, error helpers, env-based config
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strings"

	"github.com/1sec-project/perimeter/internal/core"
)

const defaultConfigPath = "configs/perimeter.yaml"

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Env-based configuration
//
//   PERIMETER_CONFIG  - default config file path
//   PERIMETER_API_KEY - API key used by client commands
// ---------------------------------------------------------------------------

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("PERIMETER_CONFIG"); e != "" {
		return e
	}
	return defaultConfigPath
}

// loadConfig loads path and exits on failure.
func loadConfig(path string) *core.Config {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	return cfg
}

// apiBase is the URL of a locally running server described by cfg.
func apiBase(cfg *core.Config, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	host := "127.0.0.1"
	if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
		host = cfg.Server.Host
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// resolveAPIKey returns the API key from flag, env, or config (in that order).
func resolveAPIKey(flagKey string, cfg *core.Config) string {
	if flagKey != "" {
		return flagKey
	}
	if envKey := os.Getenv("PERIMETER_API_KEY"); envKey != "" {
		return envKey
	}
	if cfg != nil && len(cfg.Server.APIKeys) > 0 {
		return cfg.Server.APIKeys[0]
	}
	return ""
}

// ---------------------------------------------------------------------------
// Suggest - typo correction for unknown commands
// ---------------------------------------------------------------------------

// suggest returns the command input most likely meant: a prefix match first,
// then a single-character substitution.
func suggest(input string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}
	for _, c := range commands {
		if strings.HasPrefix(c.name, input) || strings.HasPrefix(input, c.name) {
			return c.name
		}
	}
	for _, c := range commands {
		if hamming(c.name, input) == 1 {
			return c.name
		}
	}
	return ""
}

// hamming counts differing bytes, or -1 when the lengths differ.
func hamming(a, b string) int {
	if len(a) != len(b) {
		return -1
	}
	n := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}
