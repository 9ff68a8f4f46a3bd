package transcript

import (
	"regexp"
	"strings"
)

var (
	cueTagPattern    = regexp.MustCompile(`<[^>]+>`)
	speakerPattern   = regexp.MustCompile(`^(SPEAKER_\d+:|>>>?\s*)`)
	bracketedPattern = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// CleanSegments normalises segment text for machine consumption: markup and
// bracketed cue annotations are stripped, whitespace is collapsed, and empty
// segments are dropped. The second return value is the plain-text rendering,
// a single-space join of the cleaned segments with adjacent duplicate runs
// removed. The function is pure; inputs are never mutated.
func CleanSegments(segments []Segment) ([]Segment, string) {
	cleaned := make([]Segment, 0, len(segments))
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := CleanText(seg.Text)
		if text == "" {
			continue
		}
		cleaned = append(cleaned, Segment{Text: text, Start: seg.Start, Duration: seg.Duration})
		parts = append(parts, text)
	}
	plain := removeAdjacentDuplicates(strings.Join(parts, " "))
	return cleaned, plain
}

// CleanText applies the per-segment normalisation rules to a single cue.
func CleanText(text string) string {
	text = cueTagPattern.ReplaceAllString(text, "")
	text = speakerPattern.ReplaceAllString(text, "")
	text = bracketedPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\n", " ")
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// removeAdjacentDuplicates drops immediately repeated word runs of length 4,
// 3, then 2 (auto-captions frequently emit the same phrase twice when cues
// overlap). Comparison is case-insensitive; the first occurrence is kept.
func removeAdjacentDuplicates(text string) string {
	words := strings.Fields(text)
	if len(words) < 4 {
		return text
	}
	result := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		matched := false
		for _, length := range []int{4, 3, 2} {
			if i+length*2 > len(words) {
				continue
			}
			a := strings.Join(words[i:i+length], " ")
			b := strings.Join(words[i+length:i+length*2], " ")
			if strings.EqualFold(a, b) {
				result = append(result, words[i:i+length]...)
				i += length * 2
				matched = true
				break
			}
		}
		if !matched {
			result = append(result, words[i])
			i++
		}
	}
	return strings.Join(result, " ")
}
