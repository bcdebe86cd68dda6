// Package version renders the version line printed by -version.
package version

import (
	"runtime/debug"
	"strings"
)

// String assembles the -version line from the ldflags-injected release tag,
// commit, and build date. Values that are empty or still carry a placeholder
// ("dev", "unknown", "(devel)") fall back to the build info embedded in the
// binary: the main module version and the vcs.revision/vcs.time settings.
func String(version, commit, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if missing(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); !missing(mv, "(devel)") {
				v = mv
			}
		}
		if missing(c, "unknown") {
			c = vcsSetting(info, "vcs.revision")
		}
		if missing(d, "unknown") {
			d = vcsSetting(info, "vcs.time")
		}
	}

	var b strings.Builder
	if v == "" {
		v = "dev"
	}
	b.WriteString(v)
	if !missing(c, "unknown") {
		b.WriteString(" (")
		b.WriteString(c)
		b.WriteString(")")
	}
	if !missing(d, "unknown") {
		b.WriteString(" ")
		b.WriteString(d)
	}
	return b.String()
}

// missing reports whether s is empty or one of the given placeholders.
func missing(s string, placeholders ...string) bool {
	if s == "" {
		return true
	}
	for _, p := range placeholders {
		if s == p {
			return true
		}
	}
	return false
}

func vcsSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
