// Package buildinfo carries build-time metadata injected at startup,
// kept apart from user configuration.
package buildinfo

// Context holds the metadata stamped into the binary.
type Context struct {
	// Version is the Git version tag from the build.
	Version string

	// BuildDate is when the binary was built.
	BuildDate string
}

// DisplayVersion returns the version, or "dev" for unstamped builds.
func (c Context) DisplayVersion() string {
	if c.Version == "" {
		return "dev"
	}
	return c.Version
}
