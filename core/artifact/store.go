package artifact

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/davidahmann/provchain/core/fsx"
)

// Ref points at a content-addressed artifact: a store-relative path plus the
// sha256 digest of its bytes.
type Ref struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// Store keeps run artifacts under one root directory. Every path it hands
// out is slash-separated and relative to that root, so a run directory can
// be moved and still verified.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(absolute, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: absolute}, nil
}

func (s *Store) Root() string {
	return s.root
}

// StepDir is the deterministic directory for step index with the given
// command name, e.g. "002_test".
func StepDir(index int, name string) string {
	return fmt.Sprintf("%03d_%s", index, name)
}

// Join builds a store-relative path from slash-separated elements.
func Join(elements ...string) string {
	return path.Join(elements...)
}

// Abs resolves a store-relative path to an absolute filesystem path. Paths
// escaping the root are rejected.
func (s *Store) Abs(rel string) (string, error) {
	cleaned := path.Clean(strings.TrimSpace(filepath.ToSlash(rel)))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("artifact path is required")
	}
	local := filepath.FromSlash(cleaned)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("artifact path must stay inside the store: %s", rel)
	}
	return filepath.Join(s.root, local), nil
}

func (s *Store) MkdirAll(rel string) (string, error) {
	absolute, err := s.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(absolute, 0o750); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	return absolute, nil
}

// Put writes data at rel atomically and returns its reference.
func (s *Store) Put(rel string, data []byte) (Ref, error) {
	absolute, err := s.prepare(rel)
	if err != nil {
		return Ref{}, err
	}
	if err := fsx.WriteFileAtomic(absolute, data, 0o600); err != nil {
		return Ref{}, fmt.Errorf("write artifact %s: %w", rel, err)
	}
	return Ref{Path: path.Clean(filepath.ToSlash(rel)), Digest: DigestBytes(data)}, nil
}

// PutFile copies the file at src into the store at rel. The digest is
// computed from the stored copy, not the source.
func (s *Store) PutFile(rel string, src string) (Ref, error) {
	absolute, err := s.prepare(rel)
	if err != nil {
		return Ref{}, err
	}
	if err := fsx.CopyFileAtomic(src, absolute, 0o600); err != nil {
		return Ref{}, fmt.Errorf("stage artifact %s: %w", rel, err)
	}
	return s.Ref(rel)
}

// Ref recomputes the reference of an artifact already in the store.
func (s *Store) Ref(rel string) (Ref, error) {
	digest, err := s.Digest(rel)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Path: path.Clean(filepath.ToSlash(rel)), Digest: digest}, nil
}

func (s *Store) Get(rel string) ([]byte, error) {
	absolute, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to the store root by Abs.
	data, err := os.ReadFile(absolute)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", rel, err)
	}
	return data, nil
}

func (s *Store) Digest(rel string) (string, error) {
	absolute, err := s.Abs(rel)
	if err != nil {
		return "", err
	}
	digest, err := DigestFile(absolute)
	if err != nil {
		return "", fmt.Errorf("digest artifact %s: %w", rel, err)
	}
	return digest, nil
}

func (s *Store) prepare(rel string) (string, error) {
	absolute, err := s.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o750); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	return absolute, nil
}
