// Package ident generates and validates the short identifiers used to
// address agents on the shared probe topic.
package ident

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// Alphabet is the character set for agent identifiers.
	Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// Length is the fixed identifier length.
	Length = 10
)

// New returns a fresh random identifier drawn from Alphabet.
func New() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}

// Valid reports whether id is a well-formed agent identifier: exactly
// Length characters, all from Alphabet.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(Alphabet, c) {
			return false
		}
	}
	return true
}
