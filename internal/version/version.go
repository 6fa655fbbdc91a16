// Package version carries build metadata stamped with -ldflags. Builds without ldflags
// fall back to the module version and VCS settings embedded by the Go toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const devVersion = "0.1.0-dev"

// Set with -ldflags "-X github.com/openmined/syncbox/internal/version.Version=...".
var (
	AppName   = "SyncBox"
	Version   = devVersion
	Revision  = "HEAD"
	BuildDate = ""
)

type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	BuildDate string `json:"buildDate"`
	Go        string `json:"go"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Revision:  Revision,
		BuildDate: BuildDate,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders `0.1.0 (5e23a4; go1.23.6; linux/amd64; 2025-05-01T12:00:00Z)`.
func (i Info) String() string {
	return fmt.Sprintf("%s (%s; %s; %s; %s)", i.Version, i.Revision, i.Go, i.Platform, i.BuildDate)
}

// Short renders `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

func ShortWithApp() string {
	return AppName + " " + Short()
}

func Detailed() string {
	return Get().String()
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}

// UserAgent names a component in outgoing HTTP requests, e.g. `SyncBox-status/0.1.0 (5e23a4; linux/amd64)`.
func UserAgent(component string) string {
	i := Get()
	return fmt.Sprintf("%s-%s/%s (%s; %s)", AppName, component, i.Version, i.Revision, i.Platform)
}

// fillFromBuild only replaces values that ldflags left at their defaults.
func fillFromBuild(moduleVersion string, vcs map[string]string) {
	if (Version == devVersion || Version == "") && moduleVersion != "" && moduleVersion != "(devel)" {
		Version = strings.TrimPrefix(moduleVersion, "v")
	}
	if rev := vcs["vcs.revision"]; rev != "" && (Revision == "HEAD" || Revision == "") {
		if vcs["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		Revision = rev
	}
	if BuildDate == "" {
		BuildDate = vcs["vcs.time"]
	}
}

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		vcs := make(map[string]string, len(info.Settings))
		for _, s := range info.Settings {
			if strings.HasPrefix(s.Key, "vcs.") {
				vcs[s.Key] = s.Value
			}
		}
		fillFromBuild(info.Main.Version, vcs)
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}
