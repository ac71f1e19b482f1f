package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/provchain/core/fsx"
)

const (
	// ArchiveExt marks staged inputs that are unpacked instead of piped.
	ArchiveExt = ".tar"

	maxArchiveEntryBytes = 1 << 30
)

// ErrArchiveCorrupt reports an input archive that cannot be unpacked.
var ErrArchiveCorrupt = errors.New("corrupt archive")

var archiveEpoch = time.Unix(0, 0).UTC()

func IsArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ArchiveExt)
}

// Pack writes src (a file or a directory tree) as a tar stream. Entries are
// sorted and carry zeroed ownership and timestamps so identical content
// yields an identical archive digest.
func Pack(w io.Writer, src string, arcName string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	root := strings.Trim(path.Clean(filepath.ToSlash(arcName)), "/")
	if root == "" || root == "." {
		root = filepath.Base(src)
	}
	writer := tar.NewWriter(w)
	if !info.IsDir() {
		if err := writeArchiveFile(writer, src, root, info); err != nil {
			return err
		}
		return writer.Close()
	}

	paths := []string{}
	if err := filepath.WalkDir(src, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		paths = append(paths, current)
		return nil
	}); err != nil {
		return fmt.Errorf("walk output: %w", err)
	}
	sort.Strings(paths)
	for _, current := range paths {
		relative, err := filepath.Rel(src, current)
		if err != nil {
			return err
		}
		name := root
		if relative != "." {
			name = path.Join(root, filepath.ToSlash(relative))
		}
		entryInfo, err := os.Lstat(current)
		if err != nil {
			return err
		}
		switch {
		case entryInfo.IsDir():
			header := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o755,
				ModTime:  archiveEpoch,
				Format:   tar.FormatPAX,
			}
			if err := writer.WriteHeader(header); err != nil {
				return fmt.Errorf("write dir header: %w", err)
			}
		case entryInfo.Mode().IsRegular():
			if err := writeArchiveFile(writer, current, name, entryInfo); err != nil {
				return err
			}
		default:
			// symlinks and devices are not part of the evidence
		}
	}
	return writer.Close()
}

func writeArchiveFile(writer *tar.Writer, src string, name string, info os.FileInfo) error {
	mode := int64(0o644)
	if info.Mode().Perm()&0o111 != 0 {
		mode = 0o755
	}
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     info.Size(),
		ModTime:  archiveEpoch,
		Format:   tar.FormatPAX,
	}
	if err := writer.WriteHeader(header); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}
	// #nosec G304 -- output path is declared by the command policy.
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	buffer := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(writer, file, buffer); err != nil {
		return fmt.Errorf("archive output file: %w", err)
	}
	return nil
}

// Unpack extracts the tar archive at archivePath into dest. Entries that
// would escape dest are rejected. Any read failure is reported as
// ErrArchiveCorrupt.
func Unpack(archivePath string, dest string) error {
	// #nosec G304 -- archive path is a staged store artifact.
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create unpack directory: %w", err)
	}
	reader := tar.NewReader(file)
	entries := 0
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
		}
		entries++
		name := filepath.FromSlash(path.Clean(header.Name))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: entry escapes destination: %s", ErrArchiveCorrupt, header.Name)
		}
		target := filepath.Join(dest, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create directory entry: %w", err)
			}
		case tar.TypeReg:
			if header.Size > maxArchiveEntryBytes {
				return fmt.Errorf("%w: entry too large: %s", ErrArchiveCorrupt, header.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			mode := os.FileMode(0o600)
			if header.Mode&0o111 != 0 {
				mode = 0o700
			}
			if err := fsx.WriteStreamAtomic(target, mode, func(out io.Writer) error {
				_, copyErr := io.CopyN(out, reader, header.Size)
				return copyErr
			}); err != nil {
				return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
			}
		default:
			// other entry types are skipped
		}
	}
	if entries == 0 {
		return fmt.Errorf("%w: archive has no entries", ErrArchiveCorrupt)
	}
	return nil
}

// PutArchive packs src into the store at rel.
func (s *Store) PutArchive(rel string, src string, arcName string) (Ref, error) {
	absolute, err := s.prepare(rel)
	if err != nil {
		return Ref{}, err
	}
	if err := fsx.WriteStreamAtomic(absolute, 0o600, func(out io.Writer) error {
		return Pack(out, src, arcName)
	}); err != nil {
		return Ref{}, fmt.Errorf("archive %s: %w", rel, err)
	}
	return s.Ref(rel)
}
