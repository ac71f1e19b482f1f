// Package envsnap captures the host facts recorded with every step.
package envsnap

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"
)

type OSInfo struct {
	Kernel  string `json:"kernel"`
	Release string `json:"release"`
	Version string `json:"version"`
}

// Snapshot is captured once per step and never modified afterwards.
type Snapshot struct {
	OS          OSInfo    `json:"os"`
	Hostname    string    `json:"hostname"`
	CPUArch     string    `json:"cpu_arch"`
	User        string    `json:"user"`
	Cwd         string    `json:"cwd"`
	Timestamp   time.Time `json:"timestamp"`
	ToolVersion string    `json:"tool_version"`
}

// Capturer returns the snapshot for a step about to be recorded.
type Capturer func() (Snapshot, error)

// Capture reads host facts for cwd at now.
func Capture(toolVersion string, cwd string, now time.Time) (Snapshot, error) {
	info, err := uname()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read host identity: %w", err)
	}
	if strings.TrimSpace(cwd) == "" {
		cwd, err = os.Getwd()
		if err != nil {
			return Snapshot{}, fmt.Errorf("read working directory: %w", err)
		}
	}
	return Snapshot{
		OS: OSInfo{
			Kernel:  info.kernel,
			Release: info.release,
			Version: info.version,
		},
		Hostname:    info.hostname,
		CPUArch:     info.machine,
		User:        currentUser(),
		Cwd:         cwd,
		Timestamp:   now.UTC(),
		ToolVersion: toolVersion,
	}, nil
}

// HostCapturer captures live host facts using the wall clock.
func HostCapturer(toolVersion string, cwd string) Capturer {
	return func() (Snapshot, error) {
		return Capture(toolVersion, cwd, time.Now())
	}
}

type unameInfo struct {
	kernel   string
	hostname string
	release  string
	version  string
	machine  string
}

func currentUser() string {
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	for _, key := range []string{"USER", "USERNAME", "LOGNAME"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return "unknown"
}
