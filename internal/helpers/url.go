package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"msclkid":      {},
}

// CanonicalURL normalises a URL string for comparison and fingerprinting:
// lowercased scheme and host, default ports and fragments removed, path
// cleaned, tracking query parameters stripped and the remaining query
// encoded deterministically. A missing scheme defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if parsed, err = url.Parse("https://" + raw); err != nil {
			return "", err
		}
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	parsed.Host = host

	cleaned := path.Clean(parsed.Path)
	if cleaned == "." || cleaned == "" {
		cleaned = "/"
	}
	parsed.Path = cleaned
	parsed.Fragment = ""

	query := parsed.Query()
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// URLFingerprint returns a deterministic SHA-256 hex digest of the canonical
// URL, used as a stable document identifier.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
