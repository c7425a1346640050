package models

import (
	"fmt"
	"strconv"
	"strings"
)

// NightKey formats the identity of a game night as "guild/seq".
func NightKey(guildID string, seq int64) string {
	return guildID + "/" + strconv.FormatInt(seq, 10)
}

// ReminderKey formats the identity of a pending reminder as "guild/seq/user".
func ReminderKey(guildID string, seq int64, userID string) string {
	return NightKey(guildID, seq) + "/" + userID
}

// ParseNightKey is the inverse of NightKey.
func ParseNightKey(key string) (string, int64, error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed night key %q", key)
	}
	seq, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed night key %q: %w", key, err)
	}
	return key[:i], seq, nil
}

// ParseReminderKey is the inverse of ReminderKey.
func ParseReminderKey(key string) (string, int64, string, error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", 0, "", fmt.Errorf("malformed reminder key %q", key)
	}
	guildID, seq, err := ParseNightKey(key[:i])
	if err != nil {
		return "", 0, "", err
	}
	return guildID, seq, key[i+1:], nil
}
