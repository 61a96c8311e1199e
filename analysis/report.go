package analysis

import (
	"fmt"
	"path"
	"strings"

	"github.com/c360studio/repolens/llm"
	"github.com/c360studio/repolens/store"
)

// fileReport is the parsed model output for one file.
type fileReport struct {
	Summary reportSummary `json:"summary"`
	Items   []reportItem  `json:"items"`
}

type reportSummary struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type reportItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	TargetType  string `json:"target_type"`
	TargetName  string `json:"target_name"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
}

// parseReport decodes a model response. Models occasionally flatten the
// shape to a bare {title, description}; that is accepted as a summary
// with no items.
func parseReport(content string) (*fileReport, error) {
	var report fileReport
	if err := llm.Decode(content, &report); err != nil {
		return nil, err
	}

	if strings.TrimSpace(report.Summary.Title) == "" {
		var flat reportSummary
		if err := llm.Decode(content, &flat); err == nil && strings.TrimSpace(flat.Title) != "" {
			report.Summary = flat
		}
	}
	if strings.TrimSpace(report.Summary.Title) == "" {
		return nil, fmt.Errorf("response carries no summary title")
	}
	return &report, nil
}

// emptyFileReport synthesizes the analysis for a zero-byte file.
func emptyFileReport(row *store.FileAnalysis) *fileReport {
	return &fileReport{
		Summary: reportSummary{
			Title:       fmt.Sprintf("%s (empty file)", path.Base(row.FilePath)),
			Description: "This file has no content. It typically marks a package directory or reserves a path for later use.",
		},
	}
}
