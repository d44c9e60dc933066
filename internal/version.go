package internal

import (
	"fmt"
	"runtime"
)

// Version is the current release of realtime.
const Version = "0.3.0"

// VersionString reports the release with the platform it was built for.
func VersionString() string {
	return fmt.Sprintf("realtime %s (%s/%s, %s)", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
