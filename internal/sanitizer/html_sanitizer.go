// Package sanitizer cleans user input and detects injection attempts before
// it reaches handlers.
package sanitizer

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// InlineTags are the only elements SanitizeHTML keeps
var InlineTags = []string{"b", "strong", "i", "em", "u", "s", "br", "p", "ul", "ol", "li", "code"}

var (
	scriptRegex       = regexp.MustCompile(`(?i)<script[^>]*>[\s\S]*?</script>`)
	selfClosingScript = regexp.MustCompile(`(?i)<script[^>]*/?>`)
	styleRegex        = regexp.MustCompile(`(?i)<style[^>]*>[\s\S]*?</style>`)
	eventHandlerRegex = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
)

// HTMLSanitizer applies an allow-list policy to rich-text fields such as
// requisition notes and supplier remarks.
type HTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer creates a sanitizer that keeps InlineTags and drops every
// attribute.
func NewHTMLSanitizer() *HTMLSanitizer {
	policy := bluemonday.NewPolicy()
	policy.AllowElements(InlineTags...)
	return &HTMLSanitizer{policy: policy}
}

var defaultHTML = NewHTMLSanitizer()

// SanitizeHTML sanitizes s with the default policy
func SanitizeHTML(s string) string {
	return defaultHTML.Sanitize(s)
}

// Sanitize returns html safe for re-display
func (s *HTMLSanitizer) Sanitize(html string) string {
	if html == "" {
		return ""
	}
	result := RemoveScripts(html)
	result = RemoveEventHandlers(result)
	return s.policy.Sanitize(result)
}

// RemoveScripts removes script and style elements including their content
func RemoveScripts(html string) string {
	if html == "" {
		return ""
	}
	result := scriptRegex.ReplaceAllString(html, "")
	result = selfClosingScript.ReplaceAllString(result, "")
	return styleRegex.ReplaceAllString(result, "")
}

// RemoveEventHandlers removes inline on* attributes
func RemoveEventHandlers(html string) string {
	if html == "" {
		return ""
	}
	return eventHandlerRegex.ReplaceAllString(html, "")
}

// SanitizeString strips NUL and other control characters, trims, and
// collapses internal whitespace runs to a single space.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(cleaned, " "))
}
