package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// SecurityConfig restricts which URLs may be opened.
type SecurityConfig struct {
	AllowLocalhostUrls bool     `json:"allow_localhost_urls" mapstructure:"allow_localhost_urls"`
	AllowedDomains     []string `json:"allowed_domains,omitempty" mapstructure:"allowed_domains"`
	BlockedDomains     []string `json:"blocked_domains,omitempty" mapstructure:"blocked_domains"`
}

// ValidateURL checks scheme, host and the domain lists. Only http and https
// are ever allowed.
func ValidateURL(cfg SecurityConfig, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		logViolation("scheme_blocked", raw)
		return fmt.Errorf("%s:// URLs are not allowed", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())

	if isLocalhost(host) && !cfg.AllowLocalhostUrls {
		logViolation("localhost_url_blocked", raw)
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if len(cfg.AllowedDomains) > 0 && !matchAny(host, cfg.AllowedDomains) {
		logViolation("domain_not_allowed", raw)
		return fmt.Errorf("domain not in allowed list: %s", host)
	}
	if matchAny(host, cfg.BlockedDomains) {
		logViolation("domain_blocked", raw)
		return fmt.Errorf("domain is blocked: %s", host)
	}
	return nil
}

func isLocalhost(host string) bool {
	return host == "localhost" ||
		host == "::1" ||
		host == "0.0.0.0" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasSuffix(host, ".localhost")
}

func matchAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchDomain(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// matchDomain supports exact names, "*.example.com" and ".example.com".
func matchDomain(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	if strings.HasPrefix(pattern, ".") {
		return host == pattern[1:] || strings.HasSuffix(host, pattern)
	}
	return false
}

func logViolation(kind, raw string) {
	log.Warn().Str("violation", kind).Str("url", raw).Msg("Browser security violation")
}
