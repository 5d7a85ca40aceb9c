// Package topic implements hierarchical topic matching and the translation
// between the logical topic form used by handlers and the wire form used by
// broker transports.
//
// Logical topics separate segments with '.', wire topics with '/'. Patterns
// may contain two wildcard segments:
//   - "*" matches exactly one segment
//   - "**" matches the rest of the topic; it short-circuits the match as soon
//     as it is reached and is only meaningful as the final segment
//
// Example:
//
//	topic.Match("sensors.*.temp", "sensors.kitchen.temp") // true
//	topic.Match("sensors.**", "sensors.kitchen.temp")     // true
//	topic.Match("sensors.*", "sensors")                   // false
package topic

import (
	"slices"
	"strings"
)

const (
	// Delimiter separates segments of a logical topic.
	Delimiter = "."
	// WireDelimiter separates segments of a wire topic.
	WireDelimiter = "/"

	// Single is the wildcard segment matching exactly one segment.
	Single = "*"
	// Rest is the wildcard segment matching the remainder of a topic.
	Rest = "**"
)

// Match reports whether the logical topic matches pattern.
func Match(pattern, topic string) bool {
	return MatchSegments(strings.Split(pattern, Delimiter), strings.Split(topic, Delimiter))
}

// MatchSegments is Match for topics that were already split, which lets
// transports match wire topics without converting them first.
//
// A "**" segment returns true as soon as the walk reaches it, without checking
// that any topic segments remain after it.
func MatchSegments(pattern, topic []string) bool {
	if len(pattern) > len(topic) && !slices.Contains(pattern, Rest) {
		return false
	}

	for i := 0; i < len(pattern) && i < len(topic); i++ {
		switch pattern[i] {
		case Single:
			continue
		case Rest:
			return true
		default:
			if pattern[i] != topic[i] {
				return false
			}
		}
	}
	return len(pattern) == len(topic)
}

// IsPattern reports whether s contains a wildcard segment.
func IsPattern(s string) bool {
	for _, seg := range strings.Split(s, Delimiter) {
		if seg == Single || seg == Rest {
			return true
		}
	}
	return false
}
