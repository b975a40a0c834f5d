// Package version exposes build metadata stamped at link time.
package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version = "0.3.0"
	Commit  = "dev"
	Date    = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human-readable version line.
func Info() string {
	return fmt.Sprintf("loxmcp %s (commit %s, built %s)", Version, Commit, Date)
}

// Map returns version fields for health endpoints.
func Map() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}
