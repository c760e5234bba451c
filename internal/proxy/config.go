// Package proxy is the network-facing half of the streaming agent gateway:
// an authenticated HTTP service that turns /query requests into agent-engine
// invocations and streams the resulting events as wire frames.
package proxy

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	"github.com/roelfdiedericks/clawproxy/internal/logging"
)

// TokenEnvVar is the environment variable the bearer token is read from when
// not passed explicitly. A .env file in the working directory is honored.
const TokenEnvVar = "CLAWPROXY_TOKEN"

// Config is the gateway's startup configuration. It is immutable once the
// server is constructed; handlers only ever read it.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// Token is the single shared bearer secret. One token authorizes all
	// callers; it is not a per-user credential.
	Token string `toml:"-"`

	// CWD, when set, forces the engine working directory for every session.
	CWD string `toml:"cwd"`
	// AllowedCWDPaths whitelists the roots a client may request as cwd.
	// Empty means any.
	AllowedCWDPaths []string `toml:"allowed_cwd_paths"`

	TunnelMode TunnelMode `toml:"tunnel"`
	TunnelPort int        `toml:"tunnel_port"`

	// Defaults is the lowest-precedence option tier; request options and
	// startup overrides win over it.
	Defaults engine.Options `toml:"defaults"`

	// EngineCLIPath overrides the engine binary location on this host.
	EngineCLIPath string `toml:"engine_cli_path"`

	Version string `toml:"-"`
}

// DefaultConfig returns the gateway defaults before file/flag overrides.
func DefaultConfig() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       8080,
		TunnelMode: TunnelNone,
	}
}

// DefaultConfigPath is the optional TOML defaults file, ~/.clawproxy.toml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".clawproxy.toml")
}

// LoadFile layers a TOML config file over cfg. A missing file is not an
// error; flags layered on afterwards win over the file.
func LoadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	logging.L_debug("proxy: config file loaded", "path", path)
	return nil
}

// ResolveToken resolves the bearer token: explicit value, then the
// CLAWPROXY_TOKEN environment variable (with .env autoload), then a freshly
// generated secret. Returns the token and whether it was generated.
func ResolveToken(explicit string) (string, bool) {
	if explicit != "" {
		logging.L_info("proxy: token loaded from flag")
		return explicit, false
	}

	// Best effort; a missing .env file is the common case
	if err := godotenv.Load(); err == nil {
		logging.L_debug("proxy: .env file loaded")
	}

	if tok := os.Getenv(TokenEnvVar); tok != "" {
		logging.L_info("proxy: token loaded from environment", "var", TokenEnvVar)
		return tok, false
	}

	return GenerateToken(), true
}

// GenerateToken returns a fresh URL-safe 256-bit secret.
func GenerateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken
		logging.L_fatal("proxy: cannot generate token", "error", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
