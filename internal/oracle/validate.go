package oracle

import (
	"regexp"
	"strings"
	"time"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,40}$`)
	symbolPattern  = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
)

// NormalizeToken uppercases symbols and lowercases 0x addresses so store keys
// and cache fingerprints agree across callers.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "0x") {
		return strings.ToLower(token)
	}
	return strings.ToUpper(token)
}

// NormalizeNetwork lowercases a network tag.
func NormalizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

// ValidateToken checks the token against the symbol and address grammars.
func ValidateToken(token string) error {
	if token == "" {
		return NewInvalidInput("token", "must not be empty")
	}
	if !addressPattern.MatchString(token) && !symbolPattern.MatchString(token) {
		return NewInvalidInput("token", "must be a 2-10 char alphanumeric symbol or 0x-prefixed address")
	}
	return nil
}

// ValidateNetwork checks membership in the closed network set.
func ValidateNetwork(network string) error {
	if !Networks[NormalizeNetwork(network)] {
		return NewInvalidInput("network", "must be one of ethereum, polygon, arbitrum, optimism, base")
	}
	return nil
}

// ParseTimestamp parses an ISO-8601 instant and rejects future values.
// An empty input resolves to now.
func ParseTimestamp(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return now.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		// Accept date-only inputs for backfill boundaries.
		ts, err = time.Parse("2006-01-02", value)
		if err != nil {
			return time.Time{}, NewInvalidInput("timestamp", "must be an ISO-8601 instant")
		}
	}
	if ts.After(now) {
		return time.Time{}, NewInvalidInput("timestamp", "must not be in the future")
	}
	return ts.UTC(), nil
}

// Fingerprint builds the canonical cache key for a point query:
// price:{token_lower}:{network_lower}:{iso_timestamp}.
func Fingerprint(token, network string, at time.Time) string {
	return "price:" + strings.ToLower(token) + ":" + strings.ToLower(network) + ":" + at.UTC().Format(time.RFC3339)
}
