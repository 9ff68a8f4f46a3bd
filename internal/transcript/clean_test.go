package transcript

import (
	"strings"
	"testing"
)

func TestCleanText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"markup stripped", "<c.colorCCCCCC>hello</c> world", "hello world"},
		{"bracketed cues removed", "[Music] welcome back", "welcome back"},
		{"parenthesised cues removed", "(applause) thank you", "thank you"},
		{"speaker prefix removed", ">> so today we will", "so today we will"},
		{"whitespace collapsed", "one\n  two\t three", "one two three"},
		{"empty after cleaning", "[Applause]", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanText(tc.in); got != tc.want {
				t.Fatalf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanSegmentsDropsEmpty(t *testing.T) {
	segments := []Segment{
		{Text: "[Music]", Start: 0, Duration: 1.5},
		{Text: "hello <b>there</b>", Start: 1.5, Duration: 2},
		{Text: "  general   kenobi ", Start: 3.5, Duration: 2},
	}
	cleaned, plain := CleanSegments(segments)
	if len(cleaned) != 2 {
		t.Fatalf("expected 2 cleaned segments, got %d", len(cleaned))
	}
	if cleaned[0].Text != "hello there" || cleaned[0].Start != 1.5 {
		t.Fatalf("unexpected first segment: %+v", cleaned[0])
	}
	if plain != "hello there general kenobi" {
		t.Fatalf("unexpected plain text: %q", plain)
	}
}

func TestCleanSegmentsPlainTextJoin(t *testing.T) {
	segments := []Segment{
		{Text: "alpha", Start: 0, Duration: 1},
		{Text: "beta", Start: 1, Duration: 1},
		{Text: "gamma", Start: 2, Duration: 1},
	}
	_, plain := CleanSegments(segments)
	if plain != "alpha beta gamma" {
		t.Fatalf("plain text join mismatch: %q", plain)
	}
}

func TestRemoveAdjacentDuplicates(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"pair run", "the quick the quick brown fox", "the quick brown fox"},
		{"case insensitive", "Hello World hello world again and again", "Hello World again and again"},
		{"no duplicates", "one two three four five", "one two three four five"},
		{"short input untouched", "go go", "go go"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := removeAdjacentDuplicates(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestComputeIntegrityStable(t *testing.T) {
	a := []Segment{{Text: "one", Start: 0, Duration: 1}, {Text: "two", Start: 1, Duration: 1}}
	b := []Segment{{Text: "one", Start: 0, Duration: 1}, {Text: "two", Start: 1, Duration: 1}}
	if ComputeIntegrity(a) != ComputeIntegrity(b) {
		t.Fatal("equal segments must hash equally")
	}
	c := []Segment{{Text: "two", Start: 1, Duration: 1}, {Text: "one", Start: 0, Duration: 1}}
	if ComputeIntegrity(a) == ComputeIntegrity(c) {
		t.Fatal("segment order must affect the hash")
	}
	if len(ComputeIntegrity(nil)) != 64 {
		t.Fatal("integrity must be hex sha256")
	}
}

func TestCleanSegmentsRoundTripProperty(t *testing.T) {
	// plain_text must equal the whitespace-normalised concatenation of the
	// cleaned segment texts.
	segments := []Segment{
		{Text: " first  cue ", Start: 0, Duration: 1},
		{Text: "second cue", Start: 1, Duration: 1},
	}
	cleaned, plain := CleanSegments(segments)
	parts := make([]string, 0, len(cleaned))
	for _, seg := range cleaned {
		parts = append(parts, seg.Text)
	}
	if plain != strings.Join(parts, " ") {
		t.Fatalf("plain %q != join %q", plain, strings.Join(parts, " "))
	}
}
