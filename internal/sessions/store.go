package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("sessions: not found")

	// ErrInvalidKey is returned for empty keys or segments that could escape
	// the storage root.
	ErrInvalidKey = errors.New("sessions: invalid storage key")
)

// Store is a hierarchical key-value store of JSON documents. Keys are
// segment lists such as ["message", sessionID, messageID].
//
// Writes to one key are serialized; reads take no lock and may observe the
// value before or after a concurrent write, never a torn one.
type Store interface {
	// Read decodes the value at key into v.
	Read(ctx context.Context, key []string, v any) error

	// Write replaces the value at key.
	Write(ctx context.Context, key []string, v any) error

	// Update reads key into v, calls fn to mutate v, then writes v back,
	// holding the key's write lock throughout. fn errors abort the write.
	Update(ctx context.Context, key []string, v any, fn func() error) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key []string) error

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix []string) ([][]string, error)
}

// Storage keys.
func sessionKey(id string) []string { return []string{"session", id} }

func sessionPrefix() []string { return []string{"session"} }

func messageKey(sessionID, id string) []string { return []string{"message", sessionID, id} }

func messagePrefix(sessionID string) []string { return []string{"message", sessionID} }

func partKey(messageID, id string) []string { return []string{"part", messageID, id} }

func partPrefix(messageID string) []string { return []string{"part", messageID} }

func keyString(key []string) string { return strings.Join(key, "/") }

func splitKey(s string) []string { return strings.Split(s, "/") }

func hasPrefix(key, prefix []string) bool {
	if len(key) <= len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// validateKey rejects keys whose segments are empty or contain path
// separators or dot segments.
func validateKey(key []string, allowEmpty bool) error {
	if len(key) == 0 && !allowEmpty {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range key {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) || strings.ContainsRune(seg, 0) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, keyString(key))
		}
	}
	return nil
}

// notFound wraps ErrNotFound with the key.
func notFound(key []string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, keyString(key))
}
