package fsx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockTimeout    = 30 * time.Second
	lockRetry      = 10 * time.Millisecond
	lockStaleAfter = 2 * time.Minute
	maxLineBytes   = 16 << 20
)

var ErrLockTimeout = errors.New("append lock timeout")

// AppendLineLocked appends one record plus a trailing newline under a
// cross-process lock file and fsyncs before returning. Records must not
// contain newlines.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	if bytes.ContainsAny(line, "\r\n") {
		return fmt.Errorf("append record contains a line break")
	}
	if len(line) >= maxLineBytes {
		return fmt.Errorf("append record exceeds %d bytes", maxLineBytes)
	}
	cleanPath, err := localOrAbsolute(path)
	if err != nil {
		return err
	}
	parent := filepath.Dir(cleanPath)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create append directory: %w", err)
	}
	record := make([]byte, 0, len(line)+1)
	record = append(record, line...)
	record = append(record, '\n')

	err = withLock(cleanPath+".lock", func() error {
		// #nosec G304 -- append path is validated local relative or absolute.
		file, openErr := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if openErr != nil {
			return fmt.Errorf("open append file: %w", openErr)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, writeErr := file.Write(record); writeErr != nil {
			return fmt.Errorf("append file line: %w", writeErr)
		}
		if syncErr := file.Sync(); syncErr != nil {
			return fmt.Errorf("sync append file: %w", syncErr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	syncDirectory(parent)
	return nil
}

// ReadLines returns the non-blank lines of an append-only file. A missing
// file yields no lines.
func ReadLines(path string) ([][]byte, error) {
	// #nosec G304 -- caller supplies the append file path.
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open append file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read append file: %w", err)
	}
	return lines, nil
}

func withLock(lockPath string, fn func() error) error {
	deadline := time.Now().Add(lockTimeout)
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !lockHeld(err, lockPath) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if lockStale(lockPath, time.Now()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockRetry)
	}
}

func lockHeld(acquireErr error, lockPath string) bool {
	if errors.Is(acquireErr, fs.ErrExist) {
		return true
	}
	if !errors.Is(acquireErr, fs.ErrPermission) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func lockStale(lockPath string, now time.Time) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > lockStaleAfter
}

func localOrAbsolute(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) || filepath.IsAbs(cleanPath) {
		return cleanPath, nil
	}
	if strings.HasPrefix(cleanPath, string(filepath.Separator)) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute: %s", path)
}
