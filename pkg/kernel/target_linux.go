//go:build linux

package kernel

import "golang.org/x/sys/unix"

func hostTarget() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return baseHostTarget()
	}
	machine := unix.ByteSliceToString(uts.Machine[:])
	if machine == "" {
		return baseHostTarget()
	}
	return baseHostTarget() + "-" + machine
}
