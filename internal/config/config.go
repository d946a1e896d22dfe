package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/device-sync/internal/auth"
	"github.com/alexjbarnes/device-sync/internal/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for device-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Peer address. When DEVICE_HOST is empty the last connected address
	// from the state store is used.
	DeviceHost  string `env:"DEVICE_HOST"`
	DevicePort  int    `env:"DEVICE_PORT" envDefault:"5149"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"socket"`

	// Identity announced in the greeting. DeviceName defaults to the
	// hostname, DeviceID to a generated UUID persisted in the state store.
	DeviceName string `env:"DEVICE_NAME"`
	DeviceID   string `env:"DEVICE_ID"`

	// Paths. Empty values default under ~/.device-sync.
	StatePath   string `env:"STATE_PATH"`
	DownloadDir string `env:"DOWNLOAD_DIR"`
	OutboxDir   string `env:"OUTBOX_DIR"`

	// Transfer tuning
	ChunkSize       int64         `env:"CHUNK_SIZE" envDefault:"65536"`
	InlineThreshold int64         `env:"INLINE_THRESHOLD" envDefault:"32768"`
	ProgressRate    float64       `env:"PROGRESS_RATE" envDefault:"10"`
	CompletedTTL    time.Duration `env:"COMPLETED_TTL" envDefault:"5m"`

	// Transport tuning
	ReadLimit    int64         `env:"READ_LIMIT" envDefault:"16777216"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	// Lifecycle tuning
	ReconnectMin time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
	ToggleGrace  time.Duration `env:"TOGGLE_GRACE" envDefault:"500ms"`

	// MCP control surface
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "device-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DevicePort < 1 || c.DevicePort > 65535 {
		return fmt.Errorf("DEVICE_PORT %d out of range", c.DevicePort)
	}

	if strings.Trim(c.ServiceName, "/") == "" {
		return fmt.Errorf("SERVICE_NAME must not be empty")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}

	if c.InlineThreshold < 0 {
		return fmt.Errorf("INLINE_THRESHOLD must not be negative")
	}

	if c.ProgressRate <= 0 {
		return fmt.Errorf("PROGRESS_RATE must be positive")
	}

	if c.ReadLimit <= 0 {
		return fmt.Errorf("READ_LIMIT must be positive")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be positive and not exceed RECONNECT_MAX")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// resolvePaths fills default paths and makes every path absolute.
func (c *Config) resolvePaths() error {
	base, err := DefaultBaseDir()
	if err != nil && (c.StatePath == "" || c.DownloadDir == "" || c.OutboxDir == "") {
		return err
	}

	for _, p := range []struct {
		val  *string
		name string
		def  string
	}{
		{&c.StatePath, "state path", filepath.Join(base, "state.db")},
		{&c.DownloadDir, "download dir", filepath.Join(base, "downloads")},
		{&c.OutboxDir, "outbox dir", filepath.Join(base, "outbox")},
	} {
		if *p.val == "" {
			*p.val = p.def
		}

		abs, err := filepath.Abs(*p.val)
		if err != nil {
			return fmt.Errorf("resolving %s to absolute path: %w", p.name, err)
		}

		*p.val = abs
	}

	return nil
}

// DefaultBaseDir returns ~/.device-sync.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".device-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DeviceAddress returns the configured peer address, or the zero
// Address when DEVICE_HOST is unset.
func (c *Config) DeviceAddress() transport.Address {
	if c.DeviceHost == "" {
		return transport.Address{}
	}

	return transport.Address{Host: c.DeviceHost, Port: c.DevicePort}
}

// SessionConfig returns the transport settings.
func (c *Config) SessionConfig() transport.Config {
	return transport.Config{
		ServiceName:  strings.Trim(c.ServiceName, "/"),
		DialTimeout:  c.DialTimeout,
		WriteTimeout: c.WriteTimeout,
		ReadLimit:    c.ReadLimit,
	}
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:ds_key1,user2:ds_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		userID, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if err := auth.ValidateKeyFormat(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries)+1, err)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// APIKeys builds the key set used by the MCP middleware.
func (c *Config) APIKeys() (*auth.Keys, error) {
	entries, err := c.ParseMCPAPIKeys()
	if err != nil {
		return nil, err
	}

	keys := auth.NewKeys()
	for _, e := range entries {
		if err := keys.Add(e.UserID, e.Key); err != nil {
			return nil, err
		}
	}

	return keys, nil
}
