// Package config handles configuration loading for inbox-sync.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path passed with --config
//  2. Path from INBOX_SYNC_CONFIG environment variable
//  3. ./config.yaml or ./config.toml (current directory)
//  4. ~/.config/inbox-sync/config.yaml
//
// Files ending in .toml are decoded as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  token: "${INBOX_SYNC_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	stream:
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  idle_timeout: "45s"
//
// A negative stream.idle_timeout disables stall detection.
//
// # Example
//
//	upstream:
//	  base_url: "https://messaging.example.com"
//	  token: "${INBOX_SYNC_TOKEN}"
//	  transport: "sse"
//	  default_account: "5511999990000"
//
//	accounts:
//	  "5511999990000": "instance-7"
//
//	inbox:
//	  message_window: 500
//	  refresh_interval: "2s"
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//
//	snapshot:
//	  driver: "sqlite"
//	  path: "./data/inbox-sync.db"
//
//	notify:
//	  nats_url: "nats://localhost:4222"
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
