//go:build !unix

package envsnap

import (
	"os"
	"runtime"
)

func uname() (unameInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return unameInfo{}, err
	}
	return unameInfo{
		kernel:   runtime.GOOS,
		hostname: hostname,
		release:  "unknown",
		version:  "unknown",
		machine:  runtime.GOARCH,
	}, nil
}
