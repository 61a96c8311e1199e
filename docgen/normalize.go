package docgen

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// docBaseURL anchors relative links during readable-content extraction.
// Generated documents carry no meaningful origin.
var docBaseURL = &url.URL{Scheme: "http", Host: "docgen.local"}

// normalizeHTML extracts the readable portion of an HTML document and
// converts it to markdown. The readable HTML is returned alongside so
// callers can keep a rendered copy. Falls back to converting the full
// document when extraction finds nothing.
func (c *Client) normalizeHTML(htmlContent string) (markdown, rendered string, err error) {
	source := htmlContent
	article, rerr := readability.FromReader(strings.NewReader(htmlContent), docBaseURL)
	if rerr == nil && strings.TrimSpace(article.Content) != "" {
		source = article.Content
	}

	markdown, err = c.converter.ConvertString(source)
	if err != nil {
		return "", "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return cleanMarkdown(markdown), source, nil
}

// cleanMarkdown collapses excessive blank lines and trims line endings.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
