package repos

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/c360studio/repolens/errkind"
)

// maxExtractBytes bounds the decompressed size of one upload.
const maxExtractBytes = 2 << 30

// ExtractZip extracts a zip archive into dest, creating the directory.
// A single top-level directory shared by every file is stripped so the
// tree starts at the repository root. Entries that would escape dest
// abort the extraction. Returns the number of files written.
func ExtractZip(data []byte, dest string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, errkind.NewInput(fmt.Errorf("invalid zip archive: %w", err))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("create extraction directory: %w", err)
	}

	root := commonRoot(zr)
	var extracted int
	var total int64
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, "/")
		if root != "" {
			if name == root {
				continue
			}
			name = strings.TrimPrefix(name, root+"/")
		}
		if name == "" {
			continue
		}

		cleaned := path.Clean(name)
		if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return extracted, errkind.NewInput(fmt.Errorf("archive entry %q escapes the extraction root", f.Name))
		}
		target := filepath.Join(dest, filepath.FromSlash(cleaned))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return extracted, fmt.Errorf("create directory %s: %w", cleaned, err)
			}
			continue
		}
		// Symlinks and other specials are never materialized.
		if !f.FileInfo().Mode().IsRegular() {
			continue
		}

		total += int64(f.UncompressedSize64)
		if total > maxExtractBytes {
			return extracted, errkind.NewInput(fmt.Errorf("archive expands beyond %d bytes", int64(maxExtractBytes)))
		}
		if err := writeEntry(f, target); err != nil {
			return extracted, err
		}
		extracted++
	}
	return extracted, nil
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return errkind.NewInput(fmt.Errorf("open archive entry %s: %w", f.Name, err))
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

// commonRoot returns the top-level directory shared by every file in
// the archive, or "" when there is none. Directory-only entries do not
// count; an archive of one folder still strips it.
func commonRoot(zr *zip.Reader) string {
	var first string
	for _, f := range zr.File {
		if f.Name == "" || f.FileInfo().IsDir() {
			continue
		}
		first = f.Name
		break
	}
	head, _, found := strings.Cut(first, "/")
	// "." and ".." are traversal artifacts, not folders to strip; leave
	// them for the escape check.
	if !found || head == "." || head == ".." {
		return ""
	}
	for _, f := range zr.File {
		if f.Name == "" || f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasPrefix(f.Name, head+"/") {
			return ""
		}
	}
	return head
}

// ZipTree writes a deflated zip of the working tree rooted at root to
// w. Entry names are slash-separated paths relative to root. Version
// control internals are left out; everything else ships, matching what
// the document generator expects to analyze. The pipeline uses it as
// its Archiver.
func ZipTree(ctx context.Context, root string, w io.Writer) error {
	info, err := os.Stat(root)
	if err != nil {
		return errkind.NewNotFound(fmt.Errorf("archive root: %w", err))
	}
	if !info.IsDir() {
		return errkind.NewInput(fmt.Errorf("archive root %s is not a directory", root))
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fw, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("create archive entry %s: %w", rel, err)
		}
		src, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		_, err = io.Copy(fw, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}
