// Package fsutil provides file system helpers shared by the pipeline stages.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrMissingPath is the sentinel matched by every MissingPathError.
var ErrMissingPath = errors.New("required path does not exist")

// MissingPathError reports a required file or directory that is absent.
type MissingPathError struct {
	// What names the role of the path (e.g. "dependency descriptor").
	What string
	Path string
}

func (e *MissingPathError) Error() string {
	if e == nil {
		return ""
	}
	if e.What == "" {
		return fmt.Sprintf("%s: %s", ErrMissingPath.Error(), e.Path)
	}
	return fmt.Sprintf("%s %s: %s", e.What, ErrMissingPath.Error(), e.Path)
}

func (e *MissingPathError) Unwrap() error { return ErrMissingPath }

// RequireDir returns a MissingPathError unless path is an existing directory.
func RequireDir(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &MissingPathError{What: what, Path: path}
		}
		return fmt.Errorf("stat %s: %w", what, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %s", what, path)
	}
	return nil
}

// RequireFile returns a MissingPathError unless path is an existing regular file.
func RequireFile(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &MissingPathError{What: what, Path: path}
		}
		return fmt.Errorf("stat %s: %w", what, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", what, path)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NonEmptyFile reports whether path is a regular file with at least one byte.
func NonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() > 0
}

// FindEntry returns the entry of dir whose name equals name ignoring case.
// The metadata store comes from a case-insensitive file system, so lookups
// of package folders and assemblies must not depend on casing.
func FindEntry(dir, name string) (string, bool) {
	direct := filepath.Join(dir, name)
	if _, err := os.Stat(direct); err == nil {
		return direct, true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// CopyTree copies the directory tree at src into dst, creating dst as needed.
// Existing files in dst are overwritten; files only present in dst are kept.
func CopyTree(src, dst string) error {
	if err := RequireDir("copy source", src); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return CopyFile(path, target)
	})
}

// CopyFile copies a single regular file, creating the parent directory of dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// WriteFileAtomic writes data to a temp file in the destination directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
