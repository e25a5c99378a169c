// Package buildinfo exposes version metadata for the CLI banner and the
// /health endpoint.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Linker-overridable build metadata:
//
//	go build -ldflags "-X github.com/bjsi/vibe-controller/internal/buildinfo.Version=v0.3.0"
var (
	Version    = "dev"
	CommitHash = ""
	BuildDate  = ""
)

var processStart = time.Now()

// Info is normalized build metadata.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildDate  string `json:"build_date"`
}

// String renders "version (commit, date)".
func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.Version, i.CommitHash, i.BuildDate)
}

// Current returns linker overrides, falling back to the VCS settings the Go
// toolchain embeds in the binary.
func Current() Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "dev") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		settings := make(map[string]string, len(bi.Settings))
		for _, s := range bi.Settings {
			settings[s.Key] = strings.TrimSpace(s.Value)
		}
		if info.CommitHash == "" {
			info.CommitHash = settings["vcs.revision"]
			if info.CommitHash != "" && strings.EqualFold(settings["vcs.modified"], "true") {
				info.CommitHash += "-dirty"
			}
		}
		if info.BuildDate == "" {
			info.BuildDate = settings["vcs.time"]
		}
	}

	if parsed, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	for _, field := range []*string{&info.Version, &info.CommitHash, &info.BuildDate} {
		if *field == "" {
			*field = "unknown"
		}
	}
	return info
}

// Uptime reports how long the current process has been running.
func Uptime() time.Duration {
	return time.Since(processStart)
}
