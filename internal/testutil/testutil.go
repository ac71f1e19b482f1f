// Package testutil holds file and process helpers shared by package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// RequireShell skips tests that run commands through sh when none is usable.
func RequireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("commands run through sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// FlipByte inverts the low bit of the byte at offset in path. A negative
// offset counts from the end of the file.
func FlipByte(t *testing.T, path string, offset int) {
	t.Helper()
	content := MustReadFile(t, path)
	if offset < 0 {
		offset += len(content)
	}
	if offset < 0 || offset >= len(content) {
		t.Fatalf("offset %d outside %s (%d bytes)", offset, path, len(content))
	}
	content[offset] ^= 0x01
	WriteFile(t, path, content)
}
