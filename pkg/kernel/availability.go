package kernel

// Engines returns a comma-separated list of engines available in this build.
func Engines() string {
	if cudaEnabled {
		return "ref,cuda"
	}
	return "ref"
}
