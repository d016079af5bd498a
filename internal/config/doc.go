// ABOUTME: Package documentation for configuration handling
// ABOUTME: Documents the YAML format and environment variable expansion

// Package config loads and validates orbit-chat configuration from YAML
// files. Values support ${VAR_NAME} environment variable expansion, and
// duration fields accept Go duration strings ("300ms", "2s").
package config
