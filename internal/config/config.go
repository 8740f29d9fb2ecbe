// ABOUTME: Configuration loading and parsing for inbox-sync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete inbox-sync configuration
type Config struct {
	Upstream UpstreamConfig    `yaml:"upstream" toml:"upstream"`
	Accounts map[string]string `yaml:"accounts" toml:"accounts"`
	Stream   StreamConfig      `yaml:"stream" toml:"stream"`
	Inbox    InboxConfig       `yaml:"inbox" toml:"inbox"`
	Server   ServerConfig      `yaml:"server" toml:"server"`
	Snapshot SnapshotConfig    `yaml:"snapshot" toml:"snapshot"`
	Notify   NotifyConfig      `yaml:"notify" toml:"notify"`
	Logging  LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// Transports accepted in upstream.transport.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// UpstreamConfig describes the messaging backend. Path templates expand
// {account} and {conversation}.
type UpstreamConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	Token     string `yaml:"token" toml:"token"`
	Transport string `yaml:"transport" toml:"transport"`
	// DefaultAccount is the external account watched on startup.
	DefaultAccount string `yaml:"default_account" toml:"default_account"`

	ListStreamPath         string `yaml:"list_stream_path" toml:"list_stream_path"`
	ConversationStreamPath string `yaml:"conversation_stream_path" toml:"conversation_stream_path"`
	ConversationsPath      string `yaml:"conversations_path" toml:"conversations_path"`
	MessagesPath           string `yaml:"messages_path" toml:"messages_path"`
	ReadPath               string `yaml:"read_path" toml:"read_path"`
	// AccountPath resolves external account ids when the accounts map has
	// no entry. Empty disables remote lookup.
	AccountPath string `yaml:"account_path" toml:"account_path"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// StreamConfig holds reconnection and framing settings for live streams
type StreamConfig struct {
	BaseDelay   time.Duration `yaml:"-" toml:"-"`
	MaxDelay    time.Duration `yaml:"-" toml:"-"`
	ResetAfter  time.Duration `yaml:"-" toml:"-"`
	IdleTimeout time.Duration `yaml:"-" toml:"-"`

	RetryCeiling int `yaml:"retry_ceiling" toml:"retry_ceiling"`
	MaxFrameSize int `yaml:"max_frame_size" toml:"max_frame_size"`

	// Raw string values for unmarshaling
	BaseDelayRaw   string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw    string `yaml:"max_delay" toml:"max_delay"`
	ResetAfterRaw  string `yaml:"reset_after" toml:"reset_after"`
	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// InboxConfig holds session state limits and refresh pacing
type InboxConfig struct {
	MessageWindow        int `yaml:"message_window" toml:"message_window"`
	SeenMax              int `yaml:"seen_max" toml:"seen_max"`
	ConversationPageSize int `yaml:"conversation_page_size" toml:"conversation_page_size"`
	MessagePageSize      int `yaml:"message_page_size" toml:"message_page_size"`
	RefreshBurst         int `yaml:"refresh_burst" toml:"refresh_burst"`

	SeenTTL         time.Duration `yaml:"-" toml:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-"`

	SeenTTLRaw         string `yaml:"seen_ttl" toml:"seen_ttl"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
}

// ServerConfig holds the host API listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// APISecret enables HS256 bearer auth on /api routes when set.
	APISecret string `yaml:"api_secret" toml:"api_secret"`
}

// Snapshot drivers accepted in snapshot.driver.
const (
	SnapshotNone   = "none"
	SnapshotSQLite = "sqlite"
	SnapshotRedis  = "redis"
)

// SnapshotConfig selects where session snapshots persist
type SnapshotConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	Path          string `yaml:"path" toml:"path"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" toml:"key_prefix"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// NotifyConfig holds the NATS notification publisher settings.
// An empty URL disables publishing.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Format names accepted by Parse.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw configuration bytes in the given format, then applies
// env expansion, duration parsing, defaults, and validation.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	u := &c.Upstream
	if u.Transport == "" {
		u.Transport = TransportSSE
	}
	setDefault(&u.ListStreamPath, "/api/{account}/events")
	setDefault(&u.ConversationStreamPath, "/api/{account}/chats/{conversation}/events")
	setDefault(&u.ConversationsPath, "/api/{account}/chats")
	setDefault(&u.MessagesPath, "/api/{account}/chats/{conversation}/messages")
	setDefault(&u.ReadPath, "/api/{account}/chats/{conversation}/read")
	if u.RequestTimeout <= 0 {
		u.RequestTimeout = 15 * time.Second
	}

	s := &c.Stream
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 30 * time.Second
	}
	if s.ResetAfter <= 0 {
		s.ResetAfter = time.Minute
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 45 * time.Second
	}
	if s.RetryCeiling <= 0 {
		s.RetryCeiling = 5
	}
	if s.MaxFrameSize <= 0 {
		s.MaxFrameSize = 1 << 20
	}

	i := &c.Inbox
	if i.MessageWindow <= 0 {
		i.MessageWindow = 500
	}
	if i.SeenMax <= 0 {
		i.SeenMax = 100_000
	}
	if i.SeenTTL <= 0 {
		i.SeenTTL = 24 * time.Hour
	}
	if i.ConversationPageSize <= 0 {
		i.ConversationPageSize = 50
	}
	if i.MessagePageSize <= 0 {
		i.MessagePageSize = 50
	}
	if i.RefreshInterval <= 0 {
		i.RefreshInterval = 2 * time.Second
	}
	if i.RefreshBurst <= 0 {
		i.RefreshBurst = 1
	}

	setDefault(&c.Server.HTTPAddr, "127.0.0.1:8090")

	setDefault(&c.Snapshot.Driver, SnapshotNone)
	if c.Snapshot.Driver == SnapshotSQLite {
		setDefault(&c.Snapshot.Path, "./data/inbox-sync.db")
	}

	setDefault(&c.Notify.Subject, "inbox.notifications")

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, "/metrics")

	if c.Accounts == nil {
		c.Accounts = map[string]string{}
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}

	switch c.Upstream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("upstream.transport must be %q or %q, got %q",
			TransportSSE, TransportWebSocket, c.Upstream.Transport)
	}

	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream.max_delay (%s) must not be shorter than stream.base_delay (%s)",
			c.Stream.MaxDelay, c.Stream.BaseDelay)
	}

	switch c.Snapshot.Driver {
	case SnapshotNone:
	case SnapshotSQLite:
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is required for the sqlite driver")
		}
	case SnapshotRedis:
		if c.Snapshot.RedisAddr == "" {
			return fmt.Errorf("snapshot.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("snapshot.driver must be none, sqlite, or redis, got %q", c.Snapshot.Driver)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	for external, internal := range c.Accounts {
		if external == "" || internal == "" {
			return fmt.Errorf("accounts entries need both an external and an internal id")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.request_timeout", cfg.Upstream.RequestTimeoutRaw, &cfg.Upstream.RequestTimeout},
		{"stream.base_delay", cfg.Stream.BaseDelayRaw, &cfg.Stream.BaseDelay},
		{"stream.max_delay", cfg.Stream.MaxDelayRaw, &cfg.Stream.MaxDelay},
		{"stream.reset_after", cfg.Stream.ResetAfterRaw, &cfg.Stream.ResetAfter},
		{"stream.idle_timeout", cfg.Stream.IdleTimeoutRaw, &cfg.Stream.IdleTimeout},
		{"inbox.seen_ttl", cfg.Inbox.SeenTTLRaw, &cfg.Inbox.SeenTTL},
		{"inbox.refresh_interval", cfg.Inbox.RefreshIntervalRaw, &cfg.Inbox.RefreshInterval},
		{"snapshot.ttl", cfg.Snapshot.TTLRaw, &cfg.Snapshot.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ResolvePath picks the configuration file: the explicit path if given,
// then $INBOX_SYNC_CONFIG, then ./config.yaml, ./config.toml, and
// ~/.config/inbox-sync/config.yaml. It returns the first candidate that
// exists, or the explicit/env path unchanged so Load reports it.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("INBOX_SYNC_CONFIG"); env != "" {
		return env
	}

	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "inbox-sync", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "config.yaml"
}
