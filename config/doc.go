// Package config loads the proxy configuration from config.yaml and
// environment variables, validates it, and optionally watches the file so
// route changes can be applied without a restart.
package config
