// Package config defines the YAML-backed Configuration struct bound to the
// CLI flags in cmd/cloudmountd (--apple-id, --mount-point, --db-path,
// --cookie-dir) and the mount's tunables: chunk size, partial-materialization
// threshold, readdir staleness, bounded waits, retry backoff/cap, and the
// indexer/temp-file name lists.
package config
