// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/presencerelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/presencerelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/presencerelay/pkg/version.date=2026-01-01"
package version

import (
	"fmt"
	"runtime"
)

var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, the commit, or "dev", whichever is known first.
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns the version with commit, build date and Go runtime, as
// printed by --version.
func Full() string {
	switch {
	case tag != "":
		return fmt.Sprintf("%s (%s) built %s, %s", tag, commit, date, runtime.Version())
	case commit != "unknown":
		return fmt.Sprintf("%s built %s, %s", commit, date, runtime.Version())
	default:
		return "dev, " + runtime.Version()
	}
}
