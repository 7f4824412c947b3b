// Package version carries the build version shared by the host and its workers. A worker
// started by a host of another version refuses to run.
package version

// Version is overridden at build time with -ldflags "-X pvfexec/internal/pvf/version.Version=...".
var Version = "0.1.0-dev"

// NodeVersion is the version the host passes to the workers it spawns.
func NodeVersion() string {
	return Version
}
