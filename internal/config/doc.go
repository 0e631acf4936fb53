// Package config loads the Warden runtime configuration from a YAML file with
// WARDEN_* environment overrides, applies defaults and validates the result.
package config
