/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package libinfo

import (
	"strings"
	"sync"

	"runtime/debug"
)

const LibName = "miso-client"

const libPath = "github.com/esystemsdev/aifabrix-miso-client-sub005"

var libVersion string
var libVersionOnce sync.Once

func extractLibVersion(buildInfo *debug.BuildInfo, moduleName string) string {
	if buildInfo == nil {
		return ""
	}
	for _, dep := range buildInfo.Deps {
		if dep.Path == moduleName || strings.HasPrefix(dep.Path, moduleName+"/v") {
			return dep.Version
		}
	}
	return ""
}

func initLibVersion() {
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		if ver := extractLibVersion(buildInfo, libPath); ver != "" {
			libVersion = ver
			return
		}
	}
	libVersion = "v0.0.0"
}

func GetLibVersion() string {
	libVersionOnce.Do(initLibVersion)
	return libVersion
}
