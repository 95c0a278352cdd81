package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetlabs/overwatch/pkg/redaction"
)

// Format is one of the three export formats (spec §4.6 "Export").
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatCEF  Format = "cef"
)

// riskSeverity maps a risk level to a CEF integer severity (spec §4.6 "cef:
// ... severity is the risk->severity table").
var riskSeverity = map[string]int{
	"safe":        1,
	"read":        3,
	"write":       5,
	"destructive": 8,
	"dangerous":   10,
}

func severityFor(risk string) int {
	if s, ok := riskSeverity[risk]; ok {
		return s
	}
	return 5
}

// Export renders entries in the requested format. If rules is non-nil,
// every string field is passed through redaction before serialization
// (spec §4.6: "Sensitive values in audit entries MUST be run through
// redaction before export").
func Export(entries []Entry, format Format, rules *redaction.Ruleset) ([]byte, error) {
	if rules != nil {
		entries = redactEntries(entries, rules)
	}

	switch format {
	case FormatJSON:
		return exportJSON(entries)
	case FormatCSV:
		return exportCSV(entries), nil
	case FormatCEF:
		return exportCEF(entries), nil
	default:
		return nil, fmt.Errorf("audit: unknown export format %q", format)
	}
}

func redactEntries(entries []Entry, rules *redaction.Ruleset) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Tool = rules.RedactString(e.Tool)
		e.Server = rules.RedactString(e.Server)
		e.Error = rules.RedactString(e.Error)
		if e.Args != nil {
			if redacted, ok := rules.RedactValue(e.Args).(map[string]any); ok {
				e.Args = redacted
			}
		}
		out[i] = e
	}
	return out
}

func exportJSON(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

func csvField(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func exportCSV(entries []Entry) []byte {
	var b strings.Builder
	b.WriteString("id,timestamp,server,tool,risk_level,decision,duration\n")
	for _, e := range entries {
		fields := []string{
			e.ID,
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			e.Server,
			e.Tool,
			e.RiskLevel,
			e.Decision,
			fmt.Sprintf("%d", e.Duration.Milliseconds()),
		}
		quoted := make([]string, len(fields))
		for i, f := range fields {
			quoted[i] = csvField(f)
		}
		b.WriteString(strings.Join(quoted, ","))
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func exportCEF(entries []Entry) []byte {
	var b strings.Builder
	for _, e := range entries {
		ext := fmt.Sprintf("rt=%d cs1=%s cs1Label=Tool", e.Timestamp.UnixMilli(), e.Tool)
		if e.Server != "" {
			ext += fmt.Sprintf(" cs2=%s cs2Label=Server", e.Server)
		}
		ext += fmt.Sprintf(" outcome=%s", e.Decision)

		fmt.Fprintf(&b, "CEF:0|DotsetLabs|Overwatch|1.0|%s|MCP Tool Call|%d|%s\n",
			e.RiskLevel, severityFor(e.RiskLevel), ext)
	}
	return []byte(b.String())
}
