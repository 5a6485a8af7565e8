package policy

import (
	"net/url"
	"strings"
)

// ValidateURL checks scheme and host of a URL about to be opened. The file
// scheme is refused even if a config allow-lists it.
func (p *Policy) ValidateURL(raw string) Verdict {
	s := p.current.Load()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Deny("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Deny("malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return Deny("malformed url: missing scheme")
	}
	if scheme == "file" {
		return Deny("url scheme not allowed: file")
	}
	if _, ok := s.schemes[scheme]; !ok {
		return Deny("url scheme not allowed: " + scheme)
	}

	host := normalizeDomain(u.Hostname())
	if host == "" {
		return Deny("malformed url: missing host")
	}
	for _, blocked := range s.blockedDomains {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return Deny("url domain is blocked: " + blocked)
		}
	}
	return Allow()
}

// normalizeDomain lowercases d and strips wildcard prefixes and the
// trailing root dot.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimPrefix(d, ".")
	return strings.TrimSuffix(d, ".")
}
