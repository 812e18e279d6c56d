// Package worker implements the print bridge core: the persisted agent
// config, the job pump tick loop, the heartbeat, and the control
// operations the shell calls.
package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the operator-editable agent configuration. All fields
// pass through sanitization on every write; sanitization is idempotent.
type AgentConfig struct {
	ConsumerID string `json:"consumerId"`
	DeviceName string `json:"deviceName"`
	PollMs     int    `json:"pollMs"`
	ClaimLimit int    `json:"claimLimit"`
	AutoStart  bool   `json:"autoStart"`
}

// ConfigPatch is a partial config update from the shell; nil fields are
// left untouched.
type ConfigPatch struct {
	ConsumerID *string `json:"consumerId"`
	DeviceName *string `json:"deviceName"`
	PollMs     *int    `json:"pollMs"`
	ClaimLimit *int    `json:"claimLimit"`
	AutoStart  *bool   `json:"autoStart"`
}

const (
	defaultPollMs     = 2500
	minPollMs         = 1000
	maxPollMs         = 10000
	defaultClaimLimit = 5
	minClaimLimit     = 1
	maxClaimLimit     = 20

	consumerIDMaxLen = 64
	deviceNameMaxLen = 80
)

var consumerIDDisallowed = regexp.MustCompile(`[^a-z0-9._:-]+`)

// DefaultAgentConfig returns the config used before the operator has
// saved anything.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ConsumerID: defaultConsumerID(),
		DeviceName: defaultDeviceName(),
		PollMs:     defaultPollMs,
		ClaimLimit: defaultClaimLimit,
		AutoStart:  false,
	}
}

// Apply merges a patch and re-sanitizes the result.
func (c AgentConfig) Apply(p ConfigPatch) AgentConfig {
	if p.ConsumerID != nil {
		c.ConsumerID = *p.ConsumerID
	}
	if p.DeviceName != nil {
		c.DeviceName = *p.DeviceName
	}
	if p.PollMs != nil {
		c.PollMs = *p.PollMs
	}
	if p.ClaimLimit != nil {
		c.ClaimLimit = *p.ClaimLimit
	}
	if p.AutoStart != nil {
		c.AutoStart = *p.AutoStart
	}
	return c.Sanitized()
}

// Sanitized clamps and normalizes every field.
func (c AgentConfig) Sanitized() AgentConfig {
	c.ConsumerID = sanitizeConsumerID(c.ConsumerID)
	c.DeviceName = sanitizeDeviceName(c.DeviceName)
	c.PollMs = clampInt(c.PollMs, minPollMs, maxPollMs, defaultPollMs)
	c.ClaimLimit = clampInt(c.ClaimLimit, minClaimLimit, maxClaimLimit, defaultClaimLimit)
	return c
}

func clampInt(v, min, max, def int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func sanitizeConsumerID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = consumerIDDisallowed.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > consumerIDMaxLen {
		s = strings.Trim(s[:consumerIDMaxLen], "-")
	}
	if s == "" {
		return defaultConsumerID()
	}
	return s
}

func sanitizeDeviceName(s string) string {
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > deviceNameMaxLen {
		s = strings.TrimSpace(string(runes[:deviceNameMaxLen]))
	}
	if s == "" {
		return defaultDeviceName()
	}
	return s
}

// defaultConsumerID derives a stable per-machine identifier like
// "mac-bridge-front-desk".
func defaultConsumerID() string {
	prefix := runtime.GOOS
	switch prefix {
	case "darwin":
		prefix = "mac"
	case "windows":
		prefix = "win"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return prefix + "-bridge"
	}
	host = strings.Trim(consumerIDDisallowed.ReplaceAllString(strings.ToLower(host), "-"), "-")
	id := prefix + "-bridge-" + host
	if len(id) > consumerIDMaxLen {
		id = strings.Trim(id[:consumerIDMaxLen], "-")
	}
	return id
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return sanitizeDeviceName(host)
	}
	return "Print Bridge"
}

// BridgeConfig is the host-level configuration loaded at process start:
// where the backend lives, where state persists, where the control
// server listens.
type BridgeConfig struct {
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseAnonKey string `yaml:"supabase_anon_key"`
	DataDir         string `yaml:"data_dir"`
	ListenAddr      string `yaml:"listen_addr"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultBridgeConfig returns a config with sane defaults. Backend URL
// and key have no default: without them the service surfaces a
// configuration error on its first backend call.
func DefaultBridgeConfig() BridgeConfig {
	dataDir := "."
	if base, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(base, "sushiamo-bridge")
	}
	return BridgeConfig{
		DataDir:    dataDir,
		ListenAddr: "127.0.0.1:7420",
		LogLevel:   "INFO",
	}
}

// LoadBridgeConfig loads configuration from a YAML file with env
// overrides. An empty path skips the file and uses defaults + env only.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cfg := DefaultBridgeConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("SUSHIAMO_SUPABASE_URL"); v != "" {
		cfg.SupabaseURL = v
	}
	if v := os.Getenv("SUSHIAMO_SUPABASE_ANON_KEY"); v != "" {
		cfg.SupabaseAnonKey = v
	}
	if v := os.Getenv("SUSHIAMO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SUSHIAMO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7420"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	return &cfg, nil
}
