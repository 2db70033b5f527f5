// Package config loads, validates, and normalizes marcut's TOML
// configuration.
package config
