package session

import "regexp"

// groupKeyPattern matches every character not allowed in a broadcast group
// key. Room names may contain anything; group keys may not.
var groupKeyPattern = regexp.MustCompile(`[^A-Za-z0-9\-_.]`)

// GroupKey derives the broadcast group key from a raw room name by stripping
// disallowed characters. A name that strips to nothing maps to "default", so
// every connection always lands in some group.
func GroupKey(roomName string) string {
	key := groupKeyPattern.ReplaceAllString(roomName, "")
	if key == "" {
		return "default"
	}
	return key
}
