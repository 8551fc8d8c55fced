// Package config handles configuration loading for qna-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Files ending in .toml are decoded as TOML; everything else is
// YAML. Every field has a default, so an empty file is a valid configuration.
//
// # Configuration File
//
// The path is resolved in order:
//
//  1. The --config flag
//  2. The QNA_CONFIG environment variable
//  3. ./config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	llm:
//	  api_key: "${OPENROUTER_API_KEY}"
//
// Unset variables expand to the empty string. QNA_DB_PATH, when set,
// overrides database.path.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  turn_timeout: "5m"
//	  tool_timeout: "10s"
//
// # Example
//
//	server:
//	  http_addr: ":8000"
//	database:
//	  path: "./data/qna.db"
//	llm:
//	  api_key: "${OPENROUTER_API_KEY}"
//	  model: "mistralai/devstral-2512:free"
//	knowledge:
//	  dir: "./knowledge"
package config
