// Package config handles configuration loading for delivery-sync.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with environment
// variable expansion. Every timing constant of the engine has a default, so a
// minimal file only names the server and the database.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DSYNC_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/delivery-sync/config.yaml
//  3. ~/.config/delivery-sync/config.yaml
//
// # Environment Variable Expansion
//
//	server:
//	  session_cookie:
//	    name: "PHPSESSID"
//	    value: "${DSYNC_SESSION}"
//
// # Configuration Sections
//
//	server:
//	  base_url: "https://app.example.com"
//	  probe_path: "/favicon.ico"
//
//	database:
//	  path: "~/.local/share/delivery-sync/notes.db"
//	  driver: "sqlite"          # or "sqlite3" for the cgo driver
//	  quota_bytes: 536870912    # 0 disables the quota warning
//
//	sync:
//	  interval: "1m"
//	  max_retries: 3
//	  backoff: ["2s", "8s", "32s"]
//	  cleanup_after: "24h"
//
//	cache:
//	  refresh_interval: "5m"
//	  cooldown: "5m"
//	  page_size: 200
//	  prefetch_count: 10
//	  max_images: 50
//
//	probe:
//	  timeout: "5s"
//	  cache_ttl: "10s"
//	  link_poll: "5s"
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text, json
//
// Durations use Go's time.ParseDuration syntax.
package config
