//go:build unix

package envsnap

import (
	"golang.org/x/sys/unix"
)

func uname() (unameInfo, error) {
	var raw unix.Utsname
	if err := unix.Uname(&raw); err != nil {
		return unameInfo{}, err
	}
	return unameInfo{
		kernel:   unix.ByteSliceToString(raw.Sysname[:]),
		hostname: unix.ByteSliceToString(raw.Nodename[:]),
		release:  unix.ByteSliceToString(raw.Release[:]),
		version:  unix.ByteSliceToString(raw.Version[:]),
		machine:  unix.ByteSliceToString(raw.Machine[:]),
	}, nil
}
