// Package parser reads flashcard decks written as plain text:
//
//	Q: question, possibly spanning lines
//	A: answer
//	C: optional subject
//	---
//
// A new Q: line or a --- separator ends the current card.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/studyloop/internal/domain"
)

const separator = "---"

type field int

const (
	none field = iota
	front
	back
	subject
)

var prefixes = []struct {
	prefix string
	field  field
}{
	{"Q:", front},
	{"A:", back},
	{"C:", subject},
}

// ParseFile reads a deck file and returns the cards it contains.
func ParseFile(path string) ([]domain.Content, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cards, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cards, nil
}

// deck accumulates cards while scanning.
type deck struct {
	cards   []domain.Content
	current domain.Content
	field   field
	lines   []string
}

// flushField stores the buffered lines in the field being read.
func (d *deck) flushField() {
	if len(d.lines) == 0 {
		return
	}
	text := strings.TrimRight(strings.Join(d.lines, "\n"), "\n")
	switch d.field {
	case front:
		d.current.Front = text
	case back:
		d.current.Back = text
	case subject:
		d.current.Subject = text
	}
	d.lines = nil
}

// endCard keeps the current card if it has a question and starts over.
func (d *deck) endCard() {
	d.flushField()
	if d.current.Front != "" {
		d.cards = append(d.cards, d.current)
	}
	d.current = domain.Content{}
	d.field = none
}

func (d *deck) line(line string) {
	if line == separator {
		d.endCard()
		return
	}
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(line, p.prefix)
		if !ok {
			continue
		}
		if p.field == front && d.field != none {
			d.endCard()
		}
		d.flushField()
		d.field = p.field
		d.lines = append(d.lines, strings.TrimPrefix(rest, " "))
		return
	}
	if d.field != none {
		d.lines = append(d.lines, line)
	}
}

// Parse reads a deck from r and returns its cards in file order.
func Parse(r io.Reader) ([]domain.Content, error) {
	var d deck
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.line(strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	d.endCard()
	return d.cards, nil
}
