// Package info holds the program name and version.
package info

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	name    = "Knot DNS Resolver"
	version = "dev build"

	info     *Info
	loadInfo sync.Once
)

// Info holds the program meta information.
type Info struct {
	Name    string
	Version string

	CGO        bool
	Commit     string
	CommitTime string
	Dirty      bool
}

// Set sets the name and version. It must be called before the first
// GetInfo call.
func Set(setName, setVersion string) {
	if setName != "" {
		name = setName
	}
	if setVersion != "" {
		version = strings.TrimPrefix(setVersion, "v")
	}
}

// GetInfo returns all the meta information about the program.
func GetInfo() *Info {
	loadInfo.Do(func() {
		buildSettings := make(map[string]string)
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range buildInfo.Settings {
				buildSettings[setting.Key] = setting.Value
			}
		}

		info = &Info{
			Name:       name,
			Version:    version,
			CGO:        buildSettings["CGO_ENABLED"] == "1",
			Commit:     buildSettings["vcs.revision"],
			CommitTime: buildSettings["vcs.time"],
			Dirty:      buildSettings["vcs.modified"] == "true",
		}
		if info.Commit == "" {
			info.Commit = "unknown"
		}
		if info.CommitTime == "" {
			info.CommitTime = "unknown"
		}
	})

	return info
}

// Version returns the version.
func Version() string {
	return version
}

// Banner returns the one line name and version.
func Banner() string {
	return fmt.Sprintf("%s, version %s", name, version)
}

// FullVersion returns the banner followed by build details.
func FullVersion() string {
	info := GetInfo()
	builder := new(strings.Builder)

	builder.WriteString(Banner())
	builder.WriteString("\n")

	cgoInfo := "-cgo"
	if info.CGO {
		cgoInfo = "+cgo"
	}
	fmt.Fprintf(builder, "\nbuilt with %s (%s %s) for %s/%s\n", runtime.Version(), runtime.Compiler, cgoInfo, runtime.GOOS, runtime.GOARCH)

	dirtyInfo := "clean"
	if info.Dirty {
		dirtyInfo = "dirty"
	}
	fmt.Fprintf(builder, "commit %s (%s)\n", info.Commit, dirtyInfo)
	fmt.Fprintf(builder, "  at %s", info.CommitTime)

	return builder.String()
}
