package types

import (
	"regexp"
	"sort"
	"strings"
)

var (
	capabilityPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)
	agentNamePattern  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// NormalizeCapability maps free-form input onto the snake_case token form.
func NormalizeCapability(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// IsValidCapability reports whether s is already a canonical capability token.
func IsValidCapability(s string) bool {
	return capabilityPattern.MatchString(s)
}

// ParseCapability normalizes and validates a capability token.
func ParseCapability(s string) (string, error) {
	c := NormalizeCapability(s)
	if !IsValidCapability(c) {
		return "", NewValidationError("invalid capability %q", s)
	}
	return c, nil
}

// ParseCapabilities parses a list of tokens, dropping duplicates and sorting
// the result so stored sets compare equal.
func ParseCapabilities(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		c, err := ParseCapability(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// IsValidAgentName reports whether name is kebab-case.
func IsValidAgentName(name string) bool {
	return agentNamePattern.MatchString(name)
}
