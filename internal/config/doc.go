// Package config loads the CivicNotice runtime configuration from a JSON or
// YAML file, applies environment overrides and defaults, and validates the
// result before any component is constructed.
package config
