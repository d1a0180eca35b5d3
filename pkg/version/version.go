// Package version reports the build identity of the hub binary.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes version strings in logs and the stats endpoint.
const AppName = "exostack-hub"

// commitOverride is injected with
// -ldflags "-X github.com/jitenkr2030/exostack/pkg/version.commitOverride=<sha>"
// for container builds where VCS metadata is unavailable.
var commitOverride string

// Commit returns the short revision the binary was built from, "dev" when
// neither the ldflags override nor VCS build info is present (go test,
// builds outside a checkout).
var Commit = sync.OnceValue(func() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "exostack-hub/<commit>".
func Full() string {
	return AppName + "/" + Commit()
}
