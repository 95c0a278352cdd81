// Package redaction scrubs credentials and PII from strings and structured
// values before they reach an audit record or a log line.
//
// Grounded in the teacher's fail-closed posture for anything touching stored
// evidence (pkg/store, pkg/audit/export.go): redaction never tries to be
// clever about preserving readability at the expense of leaking a secret.
package redaction

import "regexp"

// Label tags why a given pattern matched, used for stats and testing.
type Label string

const (
	LabelAWSKey          Label = "aws_access_key"
	LabelAWSSecret       Label = "aws_secret_key"
	LabelGitHubToken     Label = "github_token"
	LabelGitLabToken     Label = "gitlab_token"
	LabelOpenAIKey       Label = "openai_key"
	LabelAnthropicKey    Label = "anthropic_key"
	LabelStripeKey       Label = "stripe_key"
	LabelSlackToken      Label = "slack_token"
	LabelNpmToken        Label = "npm_token"
	LabelPyPIToken       Label = "pypi_token"
	LabelGoogleAPIKey    Label = "google_api_key"
	LabelSendGridKey     Label = "sendgrid_key"
	LabelTwilioKey       Label = "twilio_key"
	LabelMailchimpKey    Label = "mailchimp_key"
	LabelHerokuKey       Label = "heroku_key"
	LabelFirebaseKey     Label = "firebase_key"
	LabelEmail           Label = "email"
	LabelUSPhone         Label = "us_phone"
	LabelSSN             Label = "ssn"
	LabelCreditCard      Label = "credit_card"
	LabelIPv4            Label = "ipv4"
	LabelGenericKV       Label = "generic_secret_kv"
	LabelBearerAuth      Label = "bearer_auth_header"
	LabelBasicAuth       Label = "basic_auth_header"
	LabelPrivateKeyArmor Label = "private_key_armor"
	LabelConnStringPass  Label = "connection_string_password"
)

const redactedToken = "[REDACTED]"

// rule pairs a label with a compiled pattern. genericKV rules preserve the
// key and delimiter, replacing only the captured value (group 1 is the
// key+delimiter prefix, group 2 is the value to redact).
type rule struct {
	label       Label
	pattern     *regexp.Regexp
	preserveKey bool
}

// Ruleset is a configurable, ordered collection of redaction rules.
type Ruleset struct {
	rules []rule
}

// DefaultRuleset returns the built-in rule catalog spanning the three
// families named in spec §4.2: provider credentials, PII, and generic
// secrets.
func DefaultRuleset() *Ruleset {
	rs := &Ruleset{}
	add := func(label Label, expr string, preserveKey bool) {
		rs.rules = append(rs.rules, rule{label: label, pattern: regexp.MustCompile(expr), preserveKey: preserveKey})
	}

	// Provider-specific credentials.
	add(LabelAWSKey, `\bAKIA[0-9A-Z]{16}\b`, false)
	add(LabelAWSSecret, `\b(?i:aws)[^\n]{0,20}(?-i)['"][0-9a-zA-Z/+=]{40}['"]`, false)
	add(LabelGitHubToken, `\bgh[pousr]_[0-9A-Za-z]{36,}\b`, false)
	add(LabelGitLabToken, `\bglpat-[0-9A-Za-z_-]{20,}\b`, false)
	add(LabelOpenAIKey, `\bsk-[A-Za-z0-9]{20,}\b`, false)
	add(LabelAnthropicKey, `\bsk-ant-[A-Za-z0-9_-]{20,}\b`, false)
	add(LabelStripeKey, `\b(sk|pk|rk)_(live|test)_[0-9A-Za-z]{10,}\b`, false)
	add(LabelSlackToken, `\bxox[baprs]-[0-9A-Za-z-]{10,}\b`, false)
	add(LabelNpmToken, `\bnpm_[0-9A-Za-z]{36}\b`, false)
	add(LabelPyPIToken, `\bpypi-AgEIcHlwaS5vcmc[0-9A-Za-z_-]{20,}\b`, false)
	add(LabelGoogleAPIKey, `\bAIza[0-9A-Za-z_-]{35}\b`, false)
	add(LabelSendGridKey, `\bSG\.[0-9A-Za-z_-]{16,}\.[0-9A-Za-z_-]{16,}\b`, false)
	add(LabelTwilioKey, `\bSK[0-9a-fA-F]{32}\b`, false)
	add(LabelMailchimpKey, `\b[0-9a-f]{32}-us[0-9]{1,2}\b`, false)
	add(LabelHerokuKey, `\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`, false)
	add(LabelFirebaseKey, `\bAAAA[0-9A-Za-z_-]{7}:[0-9A-Za-z_-]{100,}\b`, false)

	// PII.
	add(LabelEmail, `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, false)
	add(LabelUSPhone, `\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`, false)
	add(LabelSSN, `\b\d{3}-\d{2}-\d{4}\b`, false)
	add(LabelCreditCard, `\b(?:\d[ -]*?){13,16}\b`, false)
	add(LabelIPv4, `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`, false)

	// Generic secrets, preserving the key and delimiter.
	add(LabelGenericKV, `(?i)\b((?:password|passwd|pwd|token|api[_-]?key|apikey|secret)\s*[:=]\s*)([^\s"'&,]+)`, true)
	add(LabelBearerAuth, `(?i)(Authorization:\s*Bearer\s+)(\S+)`, true)
	add(LabelBasicAuth, `(?i)(Authorization:\s*Basic\s+)(\S+)`, true)
	add(LabelPrivateKeyArmor, `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, false)
	add(LabelConnStringPass, `(?i)(://[^:/\s]+:)([^@/\s]+)(@)`, true)

	return rs
}

// RedactString replaces every match of every rule with [REDACTED], preserving
// the key prefix and delimiter for k=v-style generic secret matches.
func (rs *Ruleset) RedactString(s string) string {
	out := s
	for _, r := range rs.rules {
		if r.preserveKey {
			out = r.pattern.ReplaceAllString(out, "${1}"+redactedToken)
		} else {
			out = r.pattern.ReplaceAllString(out, redactedToken)
		}
	}
	return out
}

// ContainsSensitive returns true iff any family matches s.
func (rs *Ruleset) ContainsSensitive(s string) bool {
	for _, r := range rs.rules {
		if r.pattern.MatchString(s) {
			return true
		}
	}
	return false
}

// sensitiveKeySubstrings are mapping-key substrings (case-insensitive) that
// cause RedactValue to drop the entire value unvisited, per spec §4.2.
var sensitiveKeySubstrings = []string{
	"password", "secret", "token", "key", "auth", "credential", "api_key", "apikey",
}

func isSensitiveKey(key string) bool {
	lower := toLower(key)
	for _, needle := range sensitiveKeySubstrings {
		if contains(lower, needle) {
			return true
		}
	}
	return false
}

// RedactValue walks a JSON-shaped value (map[string]any, []any, and
// scalars) and returns a copy with sensitive data scrubbed. Mapping values
// whose key matches a sensitive substring are replaced wholesale without
// recursing into them; everything else is recursively scanned.
func (rs *Ruleset) RedactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				out[k] = redactedToken
				continue
			}
			out[k] = rs.RedactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = rs.RedactValue(inner)
		}
		return out
	case string:
		return rs.RedactString(val)
	default:
		return val
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
