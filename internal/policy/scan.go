package policy

import (
	"regexp"
	"strings"
)

type sensitivePattern struct {
	class string
	re    *regexp.Regexp
}

// sensitivePatterns is the fixed battery run by ValidateOutboundContent.
var sensitivePatterns = []sensitivePattern{
	{"private key", regexp.MustCompile(`-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY-----`)},
	{"api key assignment", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret|password|passwd)\b["']?\s*[:=]\s*["']?[A-Za-z0-9_\-./+=]{8,}`)},
	{"secret key token", regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`)},
	{"cloud access key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"cloud api key", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`)},
	{"source host token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`)},
	{"chat workspace token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{4,}\.eyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{8,}`)},
}

// cardCandidate finds 13-19 digit runs, optionally grouped by spaces or dashes.
var cardCandidate = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)

// ValidateOutboundContent denies content that looks like it carries secrets
// or payment card numbers. It never redacts; a match blocks the whole result.
func (p *Policy) ValidateOutboundContent(content string) Verdict {
	if !p.current.Load().cfg.ScanOutbound {
		return Allow()
	}
	if class := ScanSensitive(content); class != "" {
		return Deny("outbound content contains sensitive data: " + class)
	}
	return Allow()
}

// ScanSensitive returns the class of the first sensitive pattern found in
// content, or "" when nothing matches.
func ScanSensitive(content string) string {
	if content == "" {
		return ""
	}
	for _, pattern := range sensitivePatterns {
		if pattern.re.MatchString(content) {
			return pattern.class
		}
	}
	for _, candidate := range cardCandidate.FindAllString(content, -1) {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, candidate)
		if looksLikeCard(digits) {
			return "payment card number"
		}
	}
	return ""
}

// looksLikeCard requires a known issuer prefix and a valid Luhn checksum so
// that timestamps and counters do not trip the scan.
func looksLikeCard(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	switch {
	case digits[0] == '4':
	case digits[0] == '5' && digits[1] >= '1' && digits[1] <= '5':
	case digits[0] == '2' && digits[1] >= '2' && digits[1] <= '7':
	case digits[0] == '3' && (digits[1] == '4' || digits[1] == '7'):
	case digits[0] == '6':
	default:
		return false
	}
	return luhnValid(digits)
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
