package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name            string
		input           string
		expectedCards   int
		expectedFront   string
		expectedBack    string
		expectedSubject string
	}{
		{
			name:          "Simple Q&A",
			input:         "Q: Which service stores objects?\nA: Amazon S3",
			expectedCards: 1,
			expectedFront: "Which service stores objects?",
			expectedBack:  "Amazon S3",
		},
		{
			name:            "Q, A, and C",
			input:           "Q: Max S3 object size?\nA: 5 TB\nC: Storage",
			expectedCards:   1,
			expectedFront:   "Max S3 object size?",
			expectedBack:    "5 TB",
			expectedSubject: "Storage",
		},
		{
			name: "Multiline answer",
			input: `
Q: Name the S3 storage classes for archives.
A: Glacier Instant Retrieval
Glacier Flexible Retrieval
Glacier Deep Archive
`,
			expectedCards: 1,
			expectedFront: "Name the S3 storage classes for archives.",
			expectedBack:  "Glacier Instant Retrieval\nGlacier Flexible Retrieval\nGlacier Deep Archive",
		},
		{
			name: "Two cards separated by a blank line",
			input: `
Q: First question
A: First answer

Q: Second question
A: Second answer
`,
			expectedCards: 2,
		},
		{
			name:          "Separator ends a card",
			input:         "Q: One\nA: 1\n---\nstray text\nQ: Two\nA: 2",
			expectedCards: 2,
		},
		{
			name:          "No cards, just text",
			input:         "This is a file with no questions.",
			expectedCards: 0,
		},
		{
			name:          "Answer without a question is dropped",
			input:         "A: orphan\n---\n",
			expectedCards: 0,
		},
		{
			name:          "Prefixes with no space",
			input:         "Q:Question\r\nA:Answer\r\n",
			expectedCards: 1,
			expectedFront: "Question",
			expectedBack:  "Answer",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cards, err := Parse(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("Parse() returned an unexpected error: %v", err)
			}

			if len(cards) != tc.expectedCards {
				t.Fatalf("Expected %d cards, but got %d", tc.expectedCards, len(cards))
			}

			if tc.expectedCards == 1 {
				card := cards[0]
				if card.Front != tc.expectedFront {
					t.Errorf("Expected Front to be '%s', but got '%s'", tc.expectedFront, card.Front)
				}
				if card.Back != tc.expectedBack {
					t.Errorf("Expected Back to be '%s', but got '%s'", tc.expectedBack, card.Back)
				}
				if card.Subject != tc.expectedSubject {
					t.Errorf("Expected Subject to be '%s', but got '%s'", tc.expectedSubject, card.Subject)
				}
			}
		})
	}
}

func TestParseKeepsOrder(t *testing.T) {
	cards, err := Parse(strings.NewReader("Q: a\nA: 1\nQ: b\nA: 2\nC: s\nQ: c\n"))
	if err != nil {
		t.Fatal(err)
	}
	var fronts []string
	for _, c := range cards {
		fronts = append(fronts, c.Front)
	}
	if got := strings.Join(fronts, ","); got != "a,b,c" {
		t.Errorf("Expected a,b,c, but got %s", got)
	}
	if cards[1].Subject != "s" || cards[2].Back != "" {
		t.Errorf("Unexpected fields %+v", cards)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.md")
	if err := os.WriteFile(path, []byte("Q: VPC?\nA: Virtual Private Cloud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cards, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(cards) != 1 || cards[0].Back != "Virtual Private Cloud" {
		t.Errorf("Unexpected cards %+v", cards)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
