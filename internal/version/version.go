// Package version is stamped at build time with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// UserAgent is sent on upstream provider requests.
func UserAgent() string {
	return "spanline/" + Version
}
