//go:build !linux

package kernel

func hostTarget() string {
	return baseHostTarget()
}
