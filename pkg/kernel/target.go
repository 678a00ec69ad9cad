package kernel

import (
	"os"
	"runtime"
)

// DetectTarget returns the hardware-target string operators are keyed by.
// The ANVIL_TARGET environment variable overrides detection; otherwise the
// GPU device name is used when this build can query one, falling back to a
// host descriptor.
func DetectTarget() string {
	if t := os.Getenv(EnvTarget); t != "" {
		return t
	}
	if t := gpuTarget(); t != "" {
		return t
	}
	return hostTarget()
}

func baseHostTarget() string {
	return "cpu-" + runtime.GOOS + "-" + runtime.GOARCH
}
