// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the proxy's listeners, backends,
// strategy, health probing and the connection pool limits, and can watch the
// configuration file for changes.
package config
