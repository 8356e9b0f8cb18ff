// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "fmt"

// Injected at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/tower/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development and test builds run with the defaults.
var (
	// Version is the semantic version, set by hand for releases.
	Version = "0.1.0-dev"

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the build had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info formats the full build identity for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Short returns the bare version number, for log fields.
func Short() string {
	return Version
}
