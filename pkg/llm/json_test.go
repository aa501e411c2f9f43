package llm

import (
	"testing"
)

func TestExtractJSON_PlainObject(t *testing.T) {
	input := `{"nodes": [], "edges": []}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_MarkdownFence(t *testing.T) {
	input := "```json\n{\"nodes\": [{\"kind\": \"View\"}]}\n```"
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"nodes": [{"kind": "View"}]}`
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestExtractJSON_SurroundingProse(t *testing.T) {
	input := `Sure! Here is the result: {"key": "value"} Let me know if you need more.`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"key": "value"}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_ThinkTags(t *testing.T) {
	input := "<think>analyzing the controller...</think>\n{\"nodes\": []}"
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"nodes": []}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_BracesInsideStrings(t *testing.T) {
	input := `{"route": "/orders/{id}", "note": "uses } inside"}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	if _, err := ExtractJSON("I could not analyze this file."); err == nil {
		t.Fatal("expected an error")
	}
}

func TestClassifyError_Transient(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		transient bool
	}{
		{"timeout", "context deadline exceeded: timeout", true},
		{"rate limit", "429 too many requests", true},
		{"unavailable", "dial tcp: connection refused", true},
		{"auth", "401 unauthorized", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(errMessage(tt.message))
			if classified.Transient() != tt.transient {
				t.Errorf("Transient() = %v, want %v for %q", classified.Transient(), tt.transient, tt.message)
			}
		})
	}
}

type errMessage string

func (e errMessage) Error() string { return string(e) }
