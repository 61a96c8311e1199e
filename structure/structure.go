// Package structure extracts lightweight file outlines (classes,
// functions, methods with their line ranges) using tree-sitter. The
// analysis stage uses outlines to ground model-reported findings in real
// source locations.
package structure

import (
	"context"
	"fmt"
	"sync"
)

// Symbol is one named declaration in a file.
type Symbol struct {
	// Kind is "class", "function", "method", or "type".
	Kind string `json:"kind"`
	Name string `json:"name"`
	// Container is the enclosing class name for methods, empty otherwise.
	Container string `json:"container,omitempty"`
	// StartLine and EndLine are 1-based and inclusive.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Outline is the symbol list of one file.
type Outline struct {
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Symbols  []Symbol `json:"symbols"`
}

// Find returns the symbol matching name, which may be plain ("handler")
// or container-qualified ("Server.handler"). Nil when absent.
func (o *Outline) Find(name string) *Symbol {
	if o == nil {
		return nil
	}
	for i := range o.Symbols {
		s := &o.Symbols[i]
		if s.Name == name {
			return s
		}
		if s.Container != "" && s.Container+"."+s.Name == name {
			return s
		}
	}
	return nil
}

// Extractor produces an outline for one language family.
type Extractor interface {
	// Outline parses content and returns its symbols. The path is given
	// so dialect grammars (ts vs tsx) can be chosen by extension.
	Outline(ctx context.Context, path string, content []byte) ([]Symbol, error)
}

// Registry maps language identifiers to extractors. Thread-safe.
type Registry struct {
	mu     sync.RWMutex
	byLang map[string]Extractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byLang: make(map[string]Extractor)}
}

// Register adds an extractor for a language identifier.
func (r *Registry) Register(language string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLang[language] = e
}

// For returns the extractor registered for a language.
func (r *Registry) For(language string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byLang[language]
	return e, ok
}

// Languages returns the registered language identifiers.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byLang))
	for lang := range r.byLang {
		out = append(out, lang)
	}
	return out
}

// DefaultRegistry is the process-wide registry. Language extractors
// register themselves via init().
var DefaultRegistry = NewRegistry()

// Supported reports whether a language has a registered extractor.
func Supported(language string) bool {
	_, ok := DefaultRegistry.For(language)
	return ok
}

// Extract returns the outline of a file, or an error when the language
// has no extractor or parsing fails.
func Extract(ctx context.Context, path, language string, content []byte) (*Outline, error) {
	e, ok := DefaultRegistry.For(language)
	if !ok {
		return nil, fmt.Errorf("no outline extractor for language %q", language)
	}
	symbols, err := e.Outline(ctx, path, content)
	if err != nil {
		return nil, fmt.Errorf("outline %s: %w", path, err)
	}
	return &Outline{Path: path, Language: language, Symbols: symbols}, nil
}
