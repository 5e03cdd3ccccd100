package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"axbuild/internal/fsutil"
	"axbuild/internal/toolrun"
)

// Compressor writes files (slash-separated, relative to root) into the zip
// archive dest. A failed call leaves nothing at dest.
type Compressor interface {
	Compress(ctx context.Context, dest, root string, files []string) error
}

// Merger combines zip archives into dest. Entries of later sources replace
// entries of earlier ones with the same name. A failed call leaves nothing
// at dest.
type Merger interface {
	Merge(ctx context.Context, dest string, sources ...string) error
}

// writeVia runs write against a temp file beside dest and renames it into
// place only when write succeeds.
func writeVia(dest string, write func(tmp string) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_ = f.Close()
	defer os.Remove(tmp)

	if err := write(tmp); err != nil {
		return err
	}
	if !fsutil.NonEmptyFile(tmp) {
		return fmt.Errorf("archive %s was not produced", dest)
	}
	return os.Rename(tmp, dest)
}

// NativeCompressor writes archives in process with deflate compression.
type NativeCompressor struct{}

func (NativeCompressor) Compress(ctx context.Context, dest, root string, files []string) error {
	return writeVia(dest, func(tmp string) error {
		out, err := os.Create(tmp)
		if err != nil {
			return err
		}
		zw := zip.NewWriter(out)
		for _, rel := range files {
			if err := ctx.Err(); err != nil {
				_ = zw.Close()
				_ = out.Close()
				return err
			}
			if err := addFile(zw, filepath.Join(root, filepath.FromSlash(rel)), rel); err != nil {
				_ = zw.Close()
				_ = out.Close()
				return fmt.Errorf("compress %s: %w", rel, err)
			}
		}
		if err := zw.Close(); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}

func addFile(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// NativeMerger merges archives in process, copying entries without
// recompressing them.
type NativeMerger struct{}

func (NativeMerger) Merge(ctx context.Context, dest string, sources ...string) error {
	if len(sources) == 0 {
		return fmt.Errorf("merge %s: no source archives", dest)
	}

	readers := make([]*zip.ReadCloser, 0, len(sources))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	var order []string
	latest := map[string]*zip.File{}
	for _, src := range sources {
		r, err := zip.OpenReader(src)
		if err != nil {
			return fmt.Errorf("open %s: %w", src, err)
		}
		readers = append(readers, r)
		for _, f := range r.File {
			key := strings.ToLower(f.Name)
			if _, seen := latest[key]; !seen {
				order = append(order, key)
			}
			latest[key] = f
		}
	}

	return writeVia(dest, func(tmp string) error {
		out, err := os.Create(tmp)
		if err != nil {
			return err
		}
		zw := zip.NewWriter(out)
		for _, key := range order {
			if err := ctx.Err(); err != nil {
				_ = zw.Close()
				_ = out.Close()
				return err
			}
			if err := zw.Copy(latest[key]); err != nil {
				_ = zw.Close()
				_ = out.Close()
				return fmt.Errorf("copy entry %s: %w", latest[key].Name, err)
			}
		}
		if err := zw.Close(); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}

// ToolCompressor runs an external 7-Zip compatible tool:
// "<tool> a -tzip <archive> @<list file>" in root. The archive path is
// passed absolute since the tool resolves it against root.
type ToolCompressor struct {
	Runner toolrun.Runner
	Path   string
}

func (c ToolCompressor) Compress(ctx context.Context, dest, root string, files []string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	list, err := os.CreateTemp("", "axbuild-zip-list-*.txt")
	if err != nil {
		return err
	}
	listPath := list.Name()
	defer os.Remove(listPath)
	for _, rel := range files {
		if _, err := fmt.Fprintln(list, filepath.FromSlash(rel)); err != nil {
			_ = list.Close()
			return err
		}
	}
	if err := list.Close(); err != nil {
		return err
	}

	return writeVia(dest, func(tmp string) error {
		// the tool appends to an existing archive, so start from nothing
		_ = os.Remove(tmp)
		_, err := toolrun.RunOnce(ctx, c.Runner, toolrun.Invocation{
			Tool:   "zip",
			Path:   c.Path,
			Args:   []string{"a", "-tzip", tmp, "@" + listPath},
			Dir:    root,
			Output: tmp,
		})
		return err
	})
}

// ToolMerger runs an external merge utility:
// "<tool> <archive> <source>..." where later sources win.
type ToolMerger struct {
	Runner toolrun.Runner
	Path   string
}

func (m ToolMerger) Merge(ctx context.Context, dest string, sources ...string) error {
	if len(sources) == 0 {
		return fmt.Errorf("merge %s: no source archives", dest)
	}
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	abs := make([]string, 0, len(sources))
	for _, src := range sources {
		a, err := filepath.Abs(src)
		if err != nil {
			return err
		}
		abs = append(abs, a)
	}
	sources = abs
	return writeVia(dest, func(tmp string) error {
		_ = os.Remove(tmp)
		_, err := toolrun.RunOnce(ctx, m.Runner, toolrun.Invocation{
			Tool:   "merge",
			Path:   m.Path,
			Args:   append([]string{tmp}, sources...),
			Output: tmp,
		})
		return err
	})
}
