package sanitizer

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var sqlPatterns = []*regexp.Regexp{
	// a closed literal or statement followed by a new statement
	regexp.MustCompile(`(?i)['"]\s*[;)]+\s*(?:--\s*)?\b(?:select|insert|update|delete|drop|alter|create|truncate|exec(?:ute)?|union|grant|shutdown)\b`),
	regexp.MustCompile(`(?i);\s*\b(?:select|insert|update|delete|drop|alter|create|truncate|exec(?:ute)?|grant|shutdown)\b`),
	regexp.MustCompile(`(?i)\bunion\b(?:\s+all)?\s+\bselect\b`),
	regexp.MustCompile(`(?i)\b(?:drop|truncate|alter)\s+(?:table|database|schema|index|view)\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\s+\w+\s*(?:\(|values\b|select\b)`),
	regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s*(?:;|where\b|$)`),
	regexp.MustCompile(`(?i)\b(?:sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`),
	regexp.MustCompile(`(?i)\b(?:xp_cmdshell|information_schema|sysobjects|load_file|into\s+outfile)\b`),
	regexp.MustCompile(`'\s*(?:--|#)`),
	regexp.MustCompile(`/\*[\s\S]*?\*/`),
}

// tautology matches "OR 1=1" style comparisons; see matchTautology
var tautology = regexp.MustCompile(`(?i)\b(?:or|and)\b\s+(['"]?)(\w+)(['"]?)\s*=\s*(['"]?)(\w+)(['"]?)`)

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?i)\bjavascript\s*:`),
	regexp.MustCompile(`(?i)\bvbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)<[^>]+\son[a-z]+\s*=`),
	regexp.MustCompile(`(?i)<\s*(?:iframe|object|embed|applet|meta|base|form|svg|math)\b`),
	regexp.MustCompile(`(?i)\bexpression\s*\(`),
	regexp.MustCompile(`(?i)\b(?:document\.cookie|document\.write|window\.location|eval\s*\()`),
	regexp.MustCompile(`(?i)\bsrcdoc\s*=`),
}

// DetectSQLInjection reports whether input looks like an SQL injection
// attempt. Empty input is never a threat.
func DetectSQLInjection(input string) bool {
	if strings.TrimSpace(input) == "" {
		return false
	}
	for _, candidate := range variants(input) {
		for _, re := range sqlPatterns {
			if re.MatchString(candidate) {
				return true
			}
		}
		if matchTautology(candidate) {
			return true
		}
	}
	return false
}

// matchTautology accepts "x OR a=a" style comparisons of equal operands and
// any quoted comparison, leaving prose like "pay or terms=net30" alone.
func matchTautology(s string) bool {
	for _, m := range tautology.FindAllStringSubmatch(s, -1) {
		quoted := m[1] != "" || m[3] != "" || m[4] != "" || m[6] != ""
		if quoted || strings.EqualFold(m[2], m[5]) {
			return true
		}
	}
	return false
}

// DetectXSS reports whether input carries script, event-handler or
// dangerous-protocol payloads. Empty input is never a threat.
func DetectXSS(input string) bool {
	if strings.TrimSpace(input) == "" {
		return false
	}
	for _, candidate := range variants(input) {
		for _, re := range xssPatterns {
			if re.MatchString(candidate) {
				return true
			}
		}
	}
	return false
}

// variants returns the raw input plus its URL- and entity-decoded forms
func variants(input string) []string {
	out := []string{input}
	if dec, err := url.QueryUnescape(input); err == nil && dec != input {
		out = append(out, dec)
	}
	if dec := html.UnescapeString(input); dec != input {
		out = append(out, dec)
	}
	return out
}
