// Package config loads the process configuration from a single JSON file and
// fills in defaults for everything the operator left out. Relative paths in
// the file resolve against the file's own directory, so a config directory
// can be moved as a unit. Secrets are the only values read from environment
// variables. The loaded Config is immutable; changing it requires a restart.
package config
