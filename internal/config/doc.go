// Package config loads coven-chat configuration.
//
// # Files
//
// The file is YAML (.yaml, .yml) or TOML (.toml). Its location is
// $COVEN_CHAT_CONFIG, or $XDG_CONFIG_HOME/coven/chat.yaml by default.
// Values not present in the file keep the values from Default.
//
//	assistant:
//	  base_url: "https://assistant.example.com"
//	  path: "/v1/chat/stream"
//	  timeout: "2m"
//
//	database:
//	  path: "~/.local/share/coven/chat.db"
//	  driver: "sqlite"        # or "sqlite3" for the cgo driver
//	  persist_timeout: "5s"
//
//	auth:
//	  token_env: "COVEN_TOKEN"
//	  token_file: "~/.config/coven/token"
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
//	context:
//	  type: "project"
//	  id: "p-42"
//
//	notifications:
//	  dedupe_window: "30s"
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text or json
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # fake assistant only
//
// # Environment
//
// A .env file in the config file's directory is loaded before parsing;
// variables already set in the environment take precedence. ${VAR_NAME}
// references anywhere in the file are then replaced with the variable's
// value, or the empty string when unset.
//
// # Durations
//
// Durations are Go duration strings ("500ms", "30s", "2m") and are parsed
// after unmarshalling.
package config
