package protocol

import "strings"

// threadMarker separates a base session key from a thread root message ID.
const threadMarker = ":thread:"

// ThreadSessionKey builds the synthetic session key for a reply thread
// rooted at msgID within baseKey.
func ThreadSessionKey(baseKey, msgID string) string {
	return baseKey + threadMarker + msgID
}

// SplitSessionKey returns the base key and thread root message ID for a
// session key. For a base session the returned threadID is empty.
func SplitSessionKey(sessionKey string) (baseKey, threadID string) {
	idx := strings.LastIndex(sessionKey, threadMarker)
	if idx < 0 {
		return sessionKey, ""
	}
	return sessionKey[:idx], sessionKey[idx+len(threadMarker):]
}

// IsThreadKey reports whether sessionKey addresses a reply thread.
func IsThreadKey(sessionKey string) bool {
	return strings.Contains(sessionKey, threadMarker)
}
