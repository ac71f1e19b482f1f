package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ChunkSize bounds the memory used while hashing artifact files.
const ChunkSize = 32 * 1024

// DigestFile returns the sha256 hex digest of the file at path.
func DigestFile(path string) (string, error) {
	// #nosec G304 -- artifact paths are resolved inside an explicit store root.
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	return DigestReader(file)
}

func DigestReader(reader io.Reader) (string, error) {
	hasher := sha256.New()
	buffer := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(hasher, reader, buffer); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Rolling folds an ordered sequence of hex digests into one digest. Each
// item is fed as its hex text, so reordering or substituting any item
// changes the result.
type Rolling struct {
	hasher hash.Hash
	count  int
}

func NewRolling() *Rolling {
	return &Rolling{hasher: sha256.New()}
}

func (r *Rolling) Add(hexDigest string) {
	r.hasher.Write([]byte(strings.ToLower(hexDigest)))
	r.count++
}

func (r *Rolling) Count() int {
	return r.count
}

func (r *Rolling) Sum() string {
	return hex.EncodeToString(r.hasher.Sum(nil))
}

// EqualDigest compares hex digests case-insensitively.
func EqualDigest(first, second string) bool {
	return strings.EqualFold(first, second)
}
