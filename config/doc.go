// Package config handles loading and validating the router configuration
// from defaults, an optional YAML file, environment variables and command
// line flags. It covers the listen address, the target range, the
// selection strategy, the admin endpoint and logging.
package config
