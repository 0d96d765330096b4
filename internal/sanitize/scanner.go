// Package sanitize implements the pipeline's Sanitize stage (spec.md §4.2):
// scan claim text for PII before it reaches a model or gets embedded, and
// redact what it finds.
//
// No PII-detection library appears anywhere in the retrieved pack, so this
// is stdlib regexp — justified in DESIGN.md. The named-category pattern-map
// shape is grounded on internal/protocol/generic_ai_detector.go's
// category -> []keyword table, adapted from substring keyword matching to
// regular expressions since PII needs structural matches (digit counts,
// separators), not keyword presence.
package sanitize

import "regexp"

// Category names the kind of PII a pattern detects.
type Category string

const (
	CategoryEmail      Category = "email"
	CategoryPhone      Category = "phone"
	CategorySSN        Category = "ssn"
	CategoryCreditCard Category = "credit_card"
	CategoryIPAddress  Category = "ip_address"
)

var patterns = map[Category]*regexp.Regexp{
	CategoryEmail:      regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	CategoryPhone:      regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	CategorySSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	CategoryCreditCard: regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
	CategoryIPAddress:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// Finding is one redaction made to the claim text.
type Finding struct {
	Category Category
	Span     string
}

// Result is the Sanitize stage's output.
type Result struct {
	CleanedText string
	Findings    []Finding
}

const redactionToken = "[REDACTED]"

// Scan redacts every recognized PII pattern in text and reports what it
// found. Order of categories is fixed so redaction is deterministic across
// runs of the same input (useful for replaying a checkpointed stage).
func Scan(text string) Result {
	cleaned := text
	var findings []Finding

	for _, cat := range []Category{CategorySSN, CategoryCreditCard, CategoryEmail, CategoryPhone, CategoryIPAddress} {
		re := patterns[cat]
		matches := re.FindAllString(cleaned, -1)
		for _, m := range matches {
			findings = append(findings, Finding{Category: cat, Span: m})
		}
		cleaned = re.ReplaceAllString(cleaned, redactionToken)
	}

	return Result{CleanedText: cleaned, Findings: findings}
}

// HasPII reports whether a scan found anything worth redacting, used by the
// pipeline to decide whether to log a sanitize-stage warning.
func (r Result) HasPII() bool { return len(r.Findings) > 0 }
