package extract

import (
	"regexp"
	"strings"
)

// DefaultCodePattern is the fallback code pattern used when a service group
// has no pattern configured or its pattern does not compile.
const DefaultCodePattern = `\b\d{4,6}\b`

var (
	phoneRegex       = regexp.MustCompile(`(?i)to:\s*(\+[\d\s\-().]*\d)`)
	codeRegex        = regexp.MustCompile(`(?i)code:\s*(\d+)`)
	phoneStripRegex  = regexp.MustCompile(`[\s\-().]`)
	defaultCodeRegex = regexp.MustCompile(DefaultCodePattern)
)

// NormalizePhone strips spaces, dashes and parentheses and forces a leading +.
func NormalizePhone(phone string) string {
	phone = phoneStripRegex.ReplaceAllString(phone, "")
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}

// Extractor parses (phone, code) pairs out of free-form message text.
// The primary format is "to:<phone> code:<digits>"; when no code: field is
// present the per-service fallback pattern is applied to the whole text.
type Extractor struct {
	fallback *regexp.Regexp
}

// New compiles the per-service fallback pattern. An empty or invalid pattern
// falls back to DefaultCodePattern.
func New(pattern string) *Extractor {
	fallback := defaultCodeRegex
	if pattern != "" {
		if compiled, err := regexp.Compile(pattern); err == nil {
			fallback = compiled
		}
	}
	return &Extractor{fallback: fallback}
}

// Extract returns the normalized phone and code found in text. Absence is
// reported as an empty string; extraction never fails with an error.
func (e *Extractor) Extract(text string) (phone, code string) {
	if m := phoneRegex.FindStringSubmatch(text); m != nil {
		phone = NormalizePhone(m[1])
	}

	if m := codeRegex.FindStringSubmatch(text); m != nil {
		code = m[1]
	} else if m := e.fallback.FindString(text); m != "" {
		code = m
	}

	return phone, code
}
