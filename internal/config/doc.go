// Package config loads the ChainProbe runtime configuration from a JSON file,
// overlays secrets from .env files and fills in defaults for every section.
package config
