package scan

import (
	"regexp"
	"sort"
	"strings"
)

var (
	pythonImportRe = regexp.MustCompile(`(?m)^(?:from[ \t]+(\S+)[ \t]+)?import[ \t]+([^\n#]+)`)
	jsImportRe     = regexp.MustCompile("import[^\n]*?from\\s+['\"`]([^'\"`]+)['\"`]")
	jsRequireRe    = regexp.MustCompile("require\\s*\\(\\s*['\"`]([^'\"`]+)['\"`]\\s*\\)")
	javaImportRe   = regexp.MustCompile(`(?m)^import\s+([^;]+);`)
	splitListRe    = regexp.MustCompile(`[,\s]+`)
)

// ExtractDependencies pulls top-level module references out of file
// content. Coverage is intentionally shallow: python imports, js/ts
// import/require, java imports. Other languages yield nil. Relative
// imports are ignored. The result is sorted and deduplicated.
func ExtractDependencies(content, language string) []string {
	seen := make(map[string]bool)

	switch language {
	case "python":
		for _, m := range pythonImportRe.FindAllStringSubmatch(content, -1) {
			if from := m[1]; from != "" {
				if root := rootModule(from, "."); root != "" {
					seen[root] = true
				}
				continue
			}
			parts := splitListRe.Split(strings.TrimSpace(m[2]), -1)
			for i := 0; i < len(parts); i++ {
				if parts[i] == "as" {
					i++ // skip the alias
					continue
				}
				if root := rootModule(parts[i], "."); root != "" {
					seen[root] = true
				}
			}
		}
	case "javascript", "typescript":
		for _, re := range []*regexp.Regexp{jsImportRe, jsRequireRe} {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				name := m[1]
				if name == "" || strings.HasPrefix(name, ".") {
					continue
				}
				seen[rootModule(name, "/")] = true
			}
		}
	case "java":
		for _, m := range javaImportRe.FindAllStringSubmatch(content, -1) {
			parts := strings.Split(strings.TrimSpace(m[1]), ".")
			if len(parts) >= 2 {
				seen[parts[0]+"."+parts[1]] = true
			}
		}
	default:
		return nil
	}

	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// rootModule returns the first path segment of a module reference, or ""
// for relative references.
func rootModule(name, sep string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, ".") {
		return ""
	}
	if i := strings.Index(name, sep); i > 0 {
		return name[:i]
	}
	return name
}
