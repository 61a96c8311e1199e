package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/repolens/errkind"
)

// File is one candidate file produced by a scan. Content is empty when
// the file is oversize or not valid UTF-8; such files still appear in
// the result so the analysis stage can account for them.
type File struct {
	// Path is relative to the scanned root, slash-separated.
	Path     string
	Language string
	Size     int64
	// CodeLines is the non-blank line count, 0 when content was not
	// captured.
	CodeLines    int
	Content      string
	Dependencies []string
}

// Stats aggregates a scan result.
type Stats struct {
	TotalFiles int
	CodeLines  int64
}

// Options tunes a scan.
type Options struct {
	// IgnoreGlobs are doublestar patterns matched against the relative
	// path; matching files are excluded.
	IgnoreGlobs []string
	// MaxFileBytes is the per-file capture budget. Files above it are
	// listed without content. Zero means no budget.
	MaxFileBytes int64
}

// Scan walks root and returns the candidate files in walk order. A
// missing or unreadable root is a fatal error; unreadable individual
// files are listed with empty content. Scan checks ctx between files.
func Scan(ctx context.Context, root string, opts Options) ([]File, Stats, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, Stats{}, errkind.NewFatal(fmt.Errorf("repository path missing: %s: %w", root, err))
	}
	if !info.IsDir() {
		return nil, Stats{}, errkind.NewFatal(fmt.Errorf("repository path is not a directory: %s", root))
	}

	var files []File
	var stats Stats

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are not candidates
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if info.IsDir() {
			if path != root && SkipDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if SkipFile(rel) || ignored(rel, opts.IgnoreGlobs) {
			return nil
		}

		f := File{
			Path:     rel,
			Language: LanguageFor(rel),
			Size:     info.Size(),
		}
		if opts.MaxFileBytes <= 0 || info.Size() <= opts.MaxFileBytes {
			if content, err := os.ReadFile(path); err == nil && utf8.Valid(content) {
				f.Content = string(content)
				f.CodeLines = CountCodeLines(f.Content)
				f.Dependencies = ExtractDependencies(f.Content, f.Language)
			}
		}

		files = append(files, f)
		stats.TotalFiles++
		stats.CodeLines += int64(f.CodeLines)
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, Stats{}, walkErr
		}
		return nil, Stats{}, errkind.NewFatal(fmt.Errorf("walk %s: %w", root, walkErr))
	}

	return files, stats, nil
}

// ignored reports whether rel matches any of the patterns. Invalid
// patterns never match.
func ignored(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
