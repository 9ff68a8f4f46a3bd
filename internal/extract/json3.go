package extract

import (
	"encoding/json"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// json3 is YouTube's segmented caption format. Events without text runs are
// window metadata and are skipped.
type json3Payload struct {
	Events []json3Event `json:"events"`
}

type json3Event struct {
	StartMS    int64      `json:"tStartMs"`
	DurationMS int64      `json:"dDurationMs"`
	Segs       []json3Seg `json:"segs"`
}

type json3Seg struct {
	UTF8 string `json:"utf8"`
}

// parseJSON3 decodes a json3 track into ordered segments.
func parseJSON3(body []byte) ([]transcript.Segment, error) {
	var payload json3Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient,
			"caption track is not valid json3", err)
	}
	segments := make([]transcript.Segment, 0, len(payload.Events))
	for _, event := range payload.Events {
		if len(event.Segs) == 0 {
			continue
		}
		var text strings.Builder
		for _, seg := range event.Segs {
			text.WriteString(seg.UTF8)
		}
		cue := strings.TrimSpace(strings.ReplaceAll(text.String(), "\n", " "))
		if cue == "" {
			continue
		}
		segments = append(segments, transcript.Segment{
			Text:     cue,
			Start:    float64(event.StartMS) / 1000,
			Duration: float64(event.DurationMS) / 1000,
		})
	}
	if len(segments) == 0 {
		return nil, transcript.NewError(transcript.KindSubtitlesDisabled,
			"caption track contained no text", nil)
	}
	return segments, nil
}
