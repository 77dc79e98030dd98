// Package version reports the doord build version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/doord"

// buildVersion is set via -ldflags "-X pkt.systems/doord/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	BuildTime string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// String renders a single human readable line.
func (i Info) String() string {
	line := fmt.Sprintf("%s %s (%s, %s)", i.Module, i.Version, i.GoVersion, i.Platform)
	if i.Revision != "" {
		line += " rev " + shortRevision(i.Revision)
	}
	return line
}

// Get collects version details from the linker flag and build info.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	out := Info{
		Version:   current(info),
		Module:    module(info),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	vcs := readVCS(info)
	out.Revision = vcs.revision
	out.BuildTime = vcs.time
	out.Modified = vcs.modified
	return out
}

// Current returns the best available version string.
func Current() string {
	info, _ := debug.ReadBuildInfo()
	return current(info)
}

// Module returns the module path from build info when available.
func Module() string {
	info, _ := debug.ReadBuildInfo()
	return module(info)
}

func current(info *debug.BuildInfo) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(readVCS(info)); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func module(info *debug.BuildInfo) string {
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func pseudoVersion(vcs vcsInfo) string {
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(vcs.revision)
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
