// Package knol fingerprints card content so the importer can recognize a
// card it has already seen, regardless of cosmetic edits.
package knol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conorfennell/studyloop/internal/domain"
)

// fieldSep separates the normalized fields. normalizeField strips it from
// field text, so moving text from one field to another changes the result.
const fieldSep = "\x00"

// Normalize lowercases each field, unifies line endings, collapses runs of
// blanks inside a line and trims the field, then joins the fields with a
// NUL byte.
func Normalize(c domain.Content) string {
	return strings.Join([]string{
		normalizeField(c.Front),
		normalizeField(c.Back),
		normalizeField(c.Subject),
	}, fieldSep)
}

func normalizeField(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), fieldSep, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

// Hash returns the hex SHA-256 of the normalized content.
func Hash(c domain.Content) string {
	sum := sha256.Sum256([]byte(Normalize(c)))
	return hex.EncodeToString(sum[:])
}
