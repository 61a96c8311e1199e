// Package scan walks an uploaded repository and produces the candidate
// file set for analysis: language, size, non-blank line count, content,
// and extracted dependencies per file.
package scan

import (
	"path/filepath"
	"strings"
)

// languageByExtension maps a lowercased file extension to a language
// identifier. Unknown extensions fall back to "text".
var languageByExtension = map[string]string{
	".py":     "python",
	".js":     "javascript",
	".jsx":    "javascript",
	".ts":     "typescript",
	".tsx":    "typescript",
	".java":   "java",
	".cpp":    "cpp",
	".c":      "c",
	".cs":     "csharp",
	".php":    "php",
	".rb":     "ruby",
	".go":     "go",
	".rs":     "rust",
	".kt":     "kotlin",
	".swift":  "swift",
	".md":     "markdown",
	".txt":    "text",
	".json":   "json",
	".xml":    "xml",
	".html":   "html",
	".css":    "css",
	".scss":   "scss",
	".sass":   "sass",
	".yml":    "yaml",
	".yaml":   "yaml",
	".toml":   "toml",
	".ini":    "ini",
	".cfg":    "config",
	".conf":   "config",
	".sh":     "shell",
	".bat":    "batch",
	".ps1":    "powershell",
	".sql":    "sql",
	".r":      "r",
	".scala":  "scala",
	".clj":    "clojure",
	".hs":     "haskell",
	".elm":    "elm",
	".dart":   "dart",
	".vue":    "vue",
	".svelte": "svelte",
}

// skipExtensions lists file types that are never candidates: images,
// archives, office documents, media, binaries, fonts, and churn files.
var skipExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".svg": true, ".ico": true, ".webp": true,

	".zip": true, ".rar": true, ".7z": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true,

	".pdf": true, ".doc": true, ".docx": true, ".xls": true,
	".xlsx": true, ".ppt": true, ".pptx": true,

	".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".mkv": true,

	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,

	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,

	".lock": true, ".log": true, ".tmp": true, ".cache": true,
}

// skipDirs lists directory basenames that are never descended into.
// Hidden directories are skipped separately.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	"target":       true,
	"venv":         true,
}

// LanguageFor returns the language identifier for a path.
func LanguageFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := languageByExtension[ext]; ok {
		return lang
	}
	return "text"
}

// SkipFile reports whether the path's extension is in the skip set.
func SkipFile(path string) bool {
	return skipExtensions[strings.ToLower(filepath.Ext(path))]
}

// SkipDir reports whether a directory basename should be pruned. The
// change watcher applies the same rule so it never reacts to trees the
// scan would not read.
func SkipDir(base string) bool {
	if strings.HasPrefix(base, ".") {
		return true
	}
	return skipDirs[base]
}

// CountCodeLines returns the number of non-blank lines in content.
func CountCodeLines(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// Languages summarizes the language distribution of a scan result.
func Languages(files []File) map[string]int {
	counts := make(map[string]int)
	for _, f := range files {
		counts[f.Language]++
	}
	return counts
}
