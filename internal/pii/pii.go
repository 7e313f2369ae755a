// Package pii implements the PII Detector: a pure, deterministic function
// that decides whether an opaque string contains any of a fixed catalogue
// of regulated identifiers. No network, no file I/O. Grounded on the
// teacher's internal/redaction.PatternRedactor (ordered pattern table) and
// internal/policy.StreamingScanner (sliding-window scanning with overlap).
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"elidacore/internal/core"
)

// Kind identifies the category of regulated identifier a match belongs to.
type Kind string

const (
	KindEmail          Kind = "email"
	KindPhoneIntl      Kind = "phone_intl"
	KindPhoneNational  Kind = "phone_national"
	KindIBAN           Kind = "iban"
	KindCreditCard     Kind = "credit_card"
	KindNationalID     Kind = "national_id"
	KindSSN            Kind = "ssn"
)

// matcherOrder is the fixed evaluation order: email first (cheapest,
// most discriminating) through credit card (most
// expensive, requires a Luhn pass over every numeric candidate), then
// national id and SSN.
var matcherOrder = []Kind{
	KindEmail,
	KindPhoneIntl,
	KindPhoneNational,
	KindIBAN,
	KindCreditCard,
	KindNationalID,
	KindSSN,
}

var patterns = map[Kind]*regexp.Regexp{
	KindEmail:         regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	KindPhoneIntl:     regexp.MustCompile(`\+\d{1,3}[-.\s]?\(?\d{1,4}\)?(?:[-.\s]?\d{2,4}){2,4}`),
	KindPhoneNational: regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
	KindIBAN:          regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
	KindNationalID:    regexp.MustCompile(`\b[A-Z]{1,2}\d{6,9}[A-Z]?\b`),
	KindSSN:           regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	KindCreditCard:    regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
}

// match is one located occurrence of a Kind in a string.
type match struct {
	kind  Kind
	start int
	end   int
	text  string
}

// DetectionError is returned only when the input is not valid text.
// Pattern absence is a normal result, never an error.
func DetectionError(detail string) error {
	return core.NewError(core.MalformedInput, "", detail, nil)
}

// windowSize and windowOverlap implement the long-input edge case:
// strings above sizeLimit are processed in sliding windows so matches
// spanning a window boundary are still found.
const (
	sizeLimit     = 1 << 20 // 1 MiB
	windowSize    = 64 << 10
	windowOverlap = 64
)

// Detect reports whether text contains any regulated identifier.
func Detect(text string) (bool, error) {
	kinds, err := DetectDetail(text)
	if err != nil {
		return false, err
	}
	return len(kinds) > 0, nil
}

// DetectDetail returns the set of Kinds found in text.
func DetectDetail(text string) (map[Kind]struct{}, error) {
	if text == "" {
		return map[Kind]struct{}{}, nil
	}
	if !utf8.ValidString(text) {
		return nil, DetectionError("input is not valid UTF-8 text")
	}

	matches := findMatches(text)
	result := make(map[Kind]struct{}, len(matches))
	for _, m := range matches {
		result[m.kind] = struct{}{}
	}
	return result, nil
}

// Redact replaces every matched identifier with "[REDACTED:<kind>]"
// (RedactWith takes a caller-supplied format string instead, whose single
// %s receives the kind). It guarantees
// Detect(Redact(text)) reports false for every kind that matched, and is
// idempotent: Redact(Redact(text)) == Redact(text).
func Redact(text string) (string, error) {
	return RedactWith(text, "[REDACTED:%s]")
}

// RedactWith is Redact with a custom replacement format string taking the
// matched Kind as its single %s verb.
func RedactWith(text, format string) (string, error) {
	if text == "" {
		return text, nil
	}
	if !utf8.ValidString(text) {
		return "", DetectionError("input is not valid UTF-8 text")
	}

	matches := findMatches(text)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		if m.start < last {
			continue // overlap already consumed by a higher-priority match
		}
		b.WriteString(text[last:m.start])
		b.WriteString(fmt.Sprintf(format, m.kind))
		last = m.end
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// findMatches runs every matcher in fixed order over text (windowed for
// long input), validates kind-specific checksums, resolves overlaps by
// preferring the earlier start offset and then the longer span, and
// returns the surviving matches sorted by start offset.
func findMatches(text string) []match {
	var raw []match
	if len(text) <= sizeLimit {
		raw = scanWindow(text, 0)
	} else {
		for offset := 0; offset < len(text); offset += windowSize {
			end := offset + windowSize + windowOverlap
			if end > len(text) {
				end = len(text)
			}
			raw = append(raw, scanWindow(text[offset:end], offset)...)
			if end == len(text) {
				break
			}
		}
	}
	return resolveOverlaps(dedupe(raw))
}

// scanWindow runs every matcher (in fixed order) over a single window of
// text, offsetting reported positions by base so callers can merge
// windows back into absolute coordinates.
func scanWindow(text string, base int) []match {
	var out []match
	claimed := make(map[int]Kind) // start offset (absolute) -> kind already claimed there

	for _, kind := range matcherOrder {
		re := patterns[kind]
		for _, loc := range re.FindAllStringIndex(text, -1) {
			start, end := base+loc[0], base+loc[1]
			candidate := text[loc[0]:loc[1]]

			switch kind {
			case KindCreditCard:
				digits := stripSeparators(candidate)
				if !luhnValid(digits) {
					continue
				}
			case KindIBAN:
				if !ibanValid(candidate) {
					continue
				}
			case KindPhoneNational, KindPhoneIntl:
				if _, taken := claimed[start]; taken {
					continue // a higher-priority kind already owns this offset
				}
			}

			claimed[start] = kind
			out = append(out, match{kind: kind, start: start, end: end, text: candidate})
		}
	}
	return out
}

func dedupe(matches []match) []match {
	seen := make(map[[2]int]bool, len(matches))
	var out []match
	for _, m := range matches {
		key := [2]int{m.start, m.end}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// resolveOverlaps keeps, among matches whose spans overlap, the one
// starting earliest; ties broken by longer span.
func resolveOverlaps(matches []match) []match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return (matches[i].end - matches[i].start) > (matches[j].end - matches[j].start)
	})

	var out []match
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.end
	}
	return out
}

func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// luhnValid implements the standard Luhn checksum for candidate credit
// card numbers.
func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// ibanValid implements the IBAN mod-97 checksum: move the first four
// characters to the end, convert letters to numbers (A=10..Z=35), and
// verify the resulting numeral mod 97 equals 1.
func ibanValid(candidate string) bool {
	s := strings.ToUpper(strings.ReplaceAll(candidate, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]

	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(fmt.Sprintf("%d", int(r-'A')+10))
		default:
			return false
		}
	}

	remainder := 0
	for _, c := range b.String() {
		remainder = (remainder*10 + int(c-'0')) % 97
	}
	return remainder == 1
}
