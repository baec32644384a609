// Package buildinfo holds version information injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/Resinat/Ballast/internal/buildinfo.Version=1.0.0 ..."
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// UserAgent is sent on every registry request.
func UserAgent() string {
	return "Ballast/" + Version
}

// Summary is the multi-line text printed by `ballast version`.
func Summary() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt At: %s\nGo: %s %s/%s\n",
		Version, GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
