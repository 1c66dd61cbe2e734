package registry

import "strings"

// MatchEventType applies contract pattern semantics:
//
//   - "*" matches any event type,
//   - "prefix.*" matches types whose first segment equals prefix
//     ("message.*" matches "message.new" but not "message"),
//   - anything else is an exact match.
func MatchEventType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
