package fsx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

const copyBufferSize = 32 * 1024

// WriteFileAtomic replaces path with content via a synced temp file and rename,
// so readers observe either the previous file or the complete new one.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	return writeAtomic(path, mode, func(file *os.File) error {
		if _, err := file.Write(content); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		return nil
	})
}

// CopyFileAtomic streams src into dst with the same temp-file protocol as
// WriteFileAtomic. Memory use is bounded by a fixed copy buffer.
func CopyFileAtomic(src, dst string, mode os.FileMode) error {
	// #nosec G304 -- source path is an explicit caller-provided artifact path.
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()
	return writeAtomic(dst, mode, func(file *os.File) error {
		buffer := make([]byte, copyBufferSize)
		if _, err := io.CopyBuffer(file, source, buffer); err != nil {
			return fmt.Errorf("copy into temp file: %w", err)
		}
		return nil
	})
}

// WriteStreamAtomic lets fill stream the content of path through the same
// temp-file protocol.
func WriteStreamAtomic(path string, mode os.FileMode, fill func(io.Writer) error) error {
	return writeAtomic(path, mode, func(file *os.File) error {
		return fill(file)
	})
}

func writeAtomic(path string, mode os.FileMode, fill func(*os.File) error) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := fill(tempFile); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false
	syncDirectory(parent)
	return nil
}

func syncDirectory(path string) {
	// #nosec G304 -- directory path is derived from an explicit destination path.
	dirHandle, err := os.Open(path)
	if err != nil {
		return
	}
	_ = dirHandle.Sync()
	_ = dirHandle.Close()
}
