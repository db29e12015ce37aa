// Package config loads server and agent YAML configuration.
//
// CLI flags override config values only when explicitly provided; absent
// flags never clobber what the file says.
package config
