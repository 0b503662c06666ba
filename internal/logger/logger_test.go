package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{"owner_id", "learner-42", "track_id", "bar-exam", "dangling"})

	if len(out) != 5 {
		t.Fatalf("Expected 5 entries, but got %d", len(out))
	}
	owner, ok := out[1].(string)
	if !ok || !strings.HasPrefix(owner, "hash:") || strings.Contains(owner, "learner-42") {
		t.Errorf("Expected owner_id to be hashed, but got %v", out[1])
	}
	if out[3] != "bar-exam" {
		t.Errorf("Expected track_id to pass through, but got %v", out[3])
	}
	if out[4] != "dangling" {
		t.Errorf("Expected trailing key to be kept, but got %v", out[4])
	}
}

func TestHashValueIsStable(t *testing.T) {
	if hashValue("a") != hashValue("a") {
		t.Error("Expected identical inputs to hash identically")
	}
	if hashValue("a") == hashValue("b") {
		t.Error("Expected different inputs to hash differently")
	}
	if hashValue("") != "" {
		t.Error("Expected empty input to stay empty")
	}
}
