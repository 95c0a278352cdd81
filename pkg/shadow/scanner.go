package shadow

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// invisibleRunes is the fixed set of zero-width and invisible code points
// stripped by steps 1 and 3 of the normalization pipeline (spec §4.3).
var invisibleRunes = map[rune]struct{}{
	0x200B: {}, 0x200C: {}, 0x200D: {}, 0x200E: {}, 0x200F: {}, // ZWSP..RLM
	0x202A: {}, 0x202B: {}, 0x202C: {}, 0x202D: {}, 0x202E: {}, // bidi embedding/override
	0x2060: {}, 0x2061: {}, 0x2062: {}, 0x2063: {}, 0x2064: {}, 0x2065: {}, 0x2066: {}, 0x2067: {}, 0x2068: {}, 0x2069: {}, // word joiner, invisible operators, bidi isolates
	0xFEFF: {}, // BOM / zero-width no-break space
	0x00AD: {}, // soft hyphen
	0x034F: {}, // combining grapheme joiner
	0x061C: {}, // Arabic letter mark
	0x180E: {}, // Mongolian vowel separator
	0x3164: {}, // Hangul filler
	0xFFA0: {}, // halfwidth Hangul filler
	0x115F: {}, 0x1160: {}, // Hangul choseong/jungseong filler
}

func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if _, bad := invisibleRunes[r]; bad {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// percentDecode implements step 2: replace '+' with space, then percent-decode
// iteratively up to three passes, stopping early on decode failure or a
// fixed point (the string no longer changes).
func percentDecode(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	for i := 0; i < 3; i++ {
		decoded, err := url.QueryUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = decoded
	}
	return s
}

var namedEntities = map[string]string{
	"&lt;":   "<",
	"&gt;":   ">",
	"&amp;":  "&",
	"&quot;": "\"",
	"&#39;":  "'",
	"&apos;": "'",
	"&nbsp;": " ",
}

var numericEntity = regexp.MustCompile(`&#x?[0-9a-fA-F]+;`)

// decodeEntities implements step 4: replace common named HTML entities and
// numeric decimal/hex entities, dropping any that decode to an invisible
// character rather than reinserting it.
func decodeEntities(s string) string {
	for literal, replacement := range namedEntities {
		s = strings.ReplaceAll(s, literal, replacement)
	}
	return numericEntity.ReplaceAllStringFunc(s, func(match string) string {
		body := match[2 : len(match)-1] // strip "&#" and ";"
		base := 10
		if len(body) > 0 && (body[0] == 'x' || body[0] == 'X') {
			base = 16
			body = body[1:]
		}
		code, err := strconv.ParseInt(body, base, 32)
		if err != nil {
			return match
		}
		r := rune(code)
		if _, invisible := invisibleRunes[r]; invisible {
			return ""
		}
		if !unicode.IsPrint(r) && r != ' ' {
			return ""
		}
		return string(r)
	})
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize runs the full seven-step normalization pipeline from spec §4.3
// against a working copy of a tool description.
func Normalize(description string) string {
	s := description
	s = stripInvisible(s)       // 1
	s = percentDecode(s)        // 2
	s = stripInvisible(s)       // 3 (re-strip; can survive URL decoding)
	s = decodeEntities(s)       // 4
	s = norm.NFKC.String(s)     // 5
	s = homoglyphFoldString(s)  // 6
	s = whitespaceRun.ReplaceAllString(s, " ") // 7
	return strings.TrimSpace(s)
}

// DescriptionReport is the outcome of scanning one tool description (spec
// §4.3 "Description scanner").
type DescriptionReport struct {
	Normalized string
	Matches    []PatternMatch
	Severity   Severity
	Action     Action
}

// ScanDescription normalizes description and evaluates the pattern catalog
// against both the raw and normalized text, taking the maximum severity hit
// as the report's overall severity (spec §4.3).
func ScanDescription(description string) DescriptionReport {
	normalized := Normalize(description)

	report := DescriptionReport{Normalized: normalized}
	for _, p := range patternCatalog {
		onRaw := p.re.MatchString(description)
		onNorm := p.re.MatchString(normalized)
		if !onRaw && !onNorm {
			continue
		}
		excerptSrc := description
		if !onRaw {
			excerptSrc = normalized
		}
		loc := p.re.FindStringIndex(excerptSrc)
		excerpt := ""
		if loc != nil {
			excerpt = excerptString(excerptSrc, loc[0], loc[1])
		}
		report.Matches = append(report.Matches, PatternMatch{
			Category: p.Category,
			Severity: p.Severity,
			Excerpt:  excerpt,
			OnRaw:    onRaw,
			OnNorm:   onNorm,
		})
		report.Severity = report.Severity.max(p.Severity)
	}
	report.Action = actionForSeverity(report.Severity)
	return report
}

// excerptString bounds a match excerpt to a reasonable audit-log size.
func excerptString(s string, start, end int) string {
	const maxExcerpt = 120
	if end-start > maxExcerpt {
		end = start + maxExcerpt
	}
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}
