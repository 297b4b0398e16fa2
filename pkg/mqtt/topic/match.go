package topic

import (
	"fmt"
	"strings"
)

const (
	// Wildcard matches exactly one level: "fleet/v1/state/+" matches "fleet/v1/state/r1".
	Wildcard = "+"

	// MultiWildcard matches the remaining levels and must be the last level of a filter.
	MultiWildcard = "#"

	sharePrefix = "$share/"
)

// Match reports whether a concrete topic matches filter. Shared
// subscription prefixes ($share/{group}/) are ignored.
func Match(filter, topic string) bool {
	filter = StripShare(filter)
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, Wildcard+MultiWildcard) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, part := range fl {
		if part == MultiWildcard {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if part != Wildcard && part != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// StripShare removes a "$share/{group}/" prefix from a filter.
func StripShare(filter string) string {
	if !strings.HasPrefix(filter, sharePrefix) {
		return filter
	}
	parts := strings.SplitN(filter, "/", 3)
	if len(parts) != 3 {
		return filter
	}
	return parts[2]
}

// ValidateFilter checks wildcard placement in a subscription filter.
func ValidateFilter(filter string) error {
	f := StripShare(filter)
	if f == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(f, "/")
	for i, l := range levels {
		switch {
		case l == MultiWildcard && i != len(levels)-1:
			return fmt.Errorf("filter %q: %q must be the last level", filter, MultiWildcard)
		case l != Wildcard && l != MultiWildcard && strings.ContainsAny(l, Wildcard+MultiWildcard):
			return fmt.Errorf("filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}
