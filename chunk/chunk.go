// Package chunk splits source files into line-addressed pieces sized for
// vector indexing. Every chunk carries its 1-based start and end line so
// retrieved context can be mapped back to file locations.
package chunk

import (
	"fmt"
	"strings"
)

// charsPerToken is the approximate average characters per token for GPT
// tokenizers.
const charsPerToken = 4

// Chunk is one indexable piece of a file.
type Chunk struct {
	Path     string
	Language string
	Index    int
	// StartLine and EndLine are 1-based and inclusive.
	StartLine  int
	EndLine    int
	Content    string
	TokenCount int
}

// Config holds chunking configuration.
type Config struct {
	// TargetTokens is the ideal chunk size in tokens.
	TargetTokens int

	// MaxTokens is the maximum chunk size.
	MaxTokens int

	// MinTokens is the minimum chunk size (smaller chunks are merged).
	MinTokens int
}

// DefaultConfig returns sensible chunking defaults for source code.
func DefaultConfig() Config {
	return Config{
		TargetTokens: 800,
		MaxTokens:    1200,
		MinTokens:    100,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MinTokens <= 0 {
		return fmt.Errorf("MinTokens must be positive, got %d", c.MinTokens)
	}
	if c.TargetTokens <= 0 {
		return fmt.Errorf("TargetTokens must be positive, got %d", c.TargetTokens)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MaxTokens must be positive, got %d", c.MaxTokens)
	}
	if c.MinTokens >= c.TargetTokens {
		return fmt.Errorf("MinTokens (%d) must be less than TargetTokens (%d)", c.MinTokens, c.TargetTokens)
	}
	if c.TargetTokens > c.MaxTokens {
		return fmt.Errorf("TargetTokens (%d) must not exceed MaxTokens (%d)", c.TargetTokens, c.MaxTokens)
	}
	return nil
}

// Chunker splits files into chunks.
type Chunker struct {
	config Config
}

// New creates a new Chunker with the given configuration.
// Returns an error if the configuration is invalid.
func New(cfg Config) (*Chunker, error) {
	if cfg.TargetTokens == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a new Chunker, panicking on invalid config.
// Use for known-good configurations.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault creates a Chunker with default configuration.
func NewDefault() *Chunker {
	return MustNew(DefaultConfig())
}

// File splits a file's content into chunks. Lines accumulate until the
// target size, with cuts preferred at blank lines; a line that would push
// the chunk past the maximum forces a cut, and a single line larger than
// the maximum is hard-split on its own. Blank or empty content yields nil.
func (c *Chunker) File(path, language, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")

	var chunks []Chunk
	var cur []string
	curStart := 0
	curTokens := 0

	flush := func(endLine int) {
		if len(cur) == 0 {
			return
		}
		body := strings.Join(cur, "\n")
		if strings.TrimSpace(body) != "" {
			chunks = append(chunks, Chunk{
				Path:       path,
				Language:   language,
				StartLine:  curStart,
				EndLine:    endLine,
				Content:    body,
				TokenCount: estimateTokens(body),
			})
		}
		cur = nil
		curTokens = 0
	}

	for i, line := range lines {
		lineNo := i + 1
		lineTokens := estimateTokens(line)

		// A single oversize line (minified bundles, embedded data) is
		// hard-split on its own; its pieces all map to the same line.
		if lineTokens > c.config.MaxTokens {
			flush(lineNo - 1)
			for _, part := range hardSplit(line, c.config.MaxTokens*charsPerToken) {
				chunks = append(chunks, Chunk{
					Path:       path,
					Language:   language,
					StartLine:  lineNo,
					EndLine:    lineNo,
					Content:    part,
					TokenCount: estimateTokens(part),
				})
			}
			continue
		}

		// Prefer to cut at blank lines once the target is reached. The
		// separator line itself is dropped.
		if curTokens >= c.config.TargetTokens && strings.TrimSpace(line) == "" {
			flush(lineNo - 1)
			continue
		}

		// Force a cut when the line would push the chunk past the max.
		if curTokens > 0 && curTokens+lineTokens > c.config.MaxTokens {
			flush(lineNo - 1)
		}

		if len(cur) == 0 {
			curStart = lineNo
		}
		cur = append(cur, line)
		curTokens += lineTokens
	}
	flush(len(lines))

	return c.mergeSmallChunks(chunks)
}

// mergeSmallChunks combines adjacent chunks that are below minimum size,
// unioning their line ranges, then re-indexes.
func (c *Chunker) mergeSmallChunks(chunks []Chunk) []Chunk {
	if len(chunks) > 1 {
		var result []Chunk
		for i := 0; i < len(chunks); i++ {
			chunk := chunks[i]

			if chunk.TokenCount < c.config.MinTokens && i < len(chunks)-1 {
				next := chunks[i+1]
				combined := chunk.Content + "\n" + next.Content
				combinedTokens := estimateTokens(combined)

				if combinedTokens <= c.config.MaxTokens {
					chunks[i+1] = Chunk{
						Path:       chunk.Path,
						Language:   chunk.Language,
						StartLine:  chunk.StartLine,
						EndLine:    next.EndLine,
						Content:    combined,
						TokenCount: combinedTokens,
					}
					continue
				}
			}

			result = append(result, chunk)
		}
		chunks = result
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// hardSplit splits content at rune boundaries when no natural breaks
// exist.
func hardSplit(content string, maxChars int) []string {
	var parts []string
	runes := []rune(content)
	for i := 0; i < len(runes); i += maxChars {
		end := i + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}

// estimateTokens estimates token count using the chars/token heuristic.
func estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + charsPerToken - 1) / charsPerToken
}
