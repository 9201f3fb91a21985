// Package config loads engine configuration from YAML.
//
// Files support ${VAR} environment-variable expansion and human-readable
// duration strings ("20s", "1m30s"). Every timing knob has a default
// matching the production policy, so an empty file is a valid config.
package config
