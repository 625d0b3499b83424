package env

import (
	"fmt"
	"net/http"

	"github.com/carlmjohnson/versioninfo"
)

const unset = "unset"

// Version is set with -ldflags at release time; otherwise the VCS revision
// from the build info is used.
var Version = unset

func GetVersion() string {
	if Version != unset {
		return Version
	}
	if v := versioninfo.Short(); v != "" && v != "unknown" {
		return v
	}
	return unset
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s\n", GetVersion()) // nolint:errcheck
}

func IsProd() bool {
	return Version != unset
}
