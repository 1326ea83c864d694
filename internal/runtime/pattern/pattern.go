// Package pattern parses and matches dot-separated event patterns of the form
// namespace.action[.subaction...], where the final segment may be the
// wildcard "*" standing for exactly one trailing segment.
package pattern

import (
	"regexp"
	"strings"
)

const (
	// Separator delimits pattern segments.
	Separator = "."
	// Wildcard matches exactly one trailing segment.
	Wildcard = "*"
	// GlobalNamespace is the reserved namespace for bus-wide events.
	GlobalNamespace = "global"

	MaxLength        = 256
	MaxSegmentLength = 64
	MinSegments      = 2
)

var segmentRe = regexp.MustCompile(`^[a-z0-9]+([_-][a-z0-9]+)*$`)

// Pattern is the decomposed form of a valid pattern string.
type Pattern struct {
	Raw         string `json:"raw"`
	Namespace   string `json:"namespace"`
	Action      string `json:"action"`
	IsGlobal    bool   `json:"is_global"`
	HasWildcard bool   `json:"has_wildcard"`
}

// Result is the outcome of validating a pattern string. Reason is set only
// when Valid is false.
type Result struct {
	Valid   bool
	Pattern Pattern
	Reason  string
}

// Validate checks raw against the pattern grammar. It never panics; every
// malformed input is reported through Result.
func Validate(raw string) Result {
	if raw == "" {
		return invalid("pattern is empty")
	}
	if len(raw) > MaxLength {
		return invalid("pattern exceeds 256 characters")
	}
	if strings.HasPrefix(raw, Separator) || strings.HasSuffix(raw, Separator) {
		return invalid("pattern has a leading or trailing separator")
	}
	if strings.Contains(raw, Separator+Separator) {
		return invalid("pattern contains an empty segment")
	}

	segments := strings.Split(raw, Separator)
	if len(segments) < MinSegments {
		return invalid("pattern needs a namespace and at least one action")
	}

	last := len(segments) - 1
	for i, seg := range segments {
		if len(seg) > MaxSegmentLength {
			return invalid("segment exceeds 64 characters")
		}
		if seg == Wildcard {
			switch {
			case i == 0:
				return invalid("namespace cannot be a wildcard")
			case i != last:
				return invalid("wildcard is only allowed as the final segment")
			case i == 1:
				return invalid("wildcard cannot be the only action segment")
			}
			continue
		}
		if !segmentRe.MatchString(seg) {
			return invalid("segment " + quote(seg) + " has invalid characters")
		}
	}

	return Result{
		Valid: true,
		Pattern: Pattern{
			Raw:         raw,
			Namespace:   segments[0],
			Action:      strings.Join(segments[1:], Separator),
			IsGlobal:    segments[0] == GlobalNamespace,
			HasWildcard: segments[last] == Wildcard,
		},
	}
}

// IsWildcard reports whether raw ends with the wildcard segment.
func IsWildcard(raw string) bool {
	return raw == Wildcard || strings.HasSuffix(raw, Separator+Wildcard)
}

// Match reports whether subscription pattern sub matches the concrete event
// pattern evt. A wildcard pattern matches when every literal segment is equal
// and the event has exactly one segment in the wildcard position.
func Match(sub, evt string) bool {
	if sub == evt {
		return true
	}
	if !IsWildcard(sub) {
		return false
	}
	prefix := sub[:len(sub)-len(Wildcard)]
	if !strings.HasPrefix(evt, prefix) {
		return false
	}
	rest := evt[len(prefix):]
	return rest != "" && !strings.Contains(rest, Separator)
}

func invalid(reason string) Result {
	return Result{Reason: reason}
}

func quote(s string) string {
	if len(s) > 16 {
		s = s[:16] + "..."
	}
	return "\"" + s + "\""
}
