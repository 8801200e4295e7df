// Package config provides centralized configuration management for the
// ledger daemon, supporting YAML and JSON configuration files with typed
// accessors and sensible defaults for single-node deployments.
package config
