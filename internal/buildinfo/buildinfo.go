// Package buildinfo carries the identifiers stamped in at link time, e.g.
//
//	go build -ldflags "-X ember/internal/buildinfo.Version=v0.3.0 -X ember/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns a compact build identifier for the window title and logs.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// Banner is the first line the kernel console prints.
func Banner() string {
	s := fmt.Sprintf("ember %s", Short())
	if Commit != "" && Commit != "unknown" && Commit != Short() {
		s += " (" + Commit + ")"
	}
	if Date != "" && Date != "unknown" {
		s += " built " + Date
	}
	return s
}
