package mqtttrigger

import "strings"

// topicMatches reports whether topic matches an MQTT filter with + and #
// wildcards.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		switch {
		case part == "#":
			return true
		case i >= len(t):
			return false
		case part == "+":
			continue
		case part != t[i]:
			return false
		}
	}
	return len(f) == len(t)
}
