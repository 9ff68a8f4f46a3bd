package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// TimedTextEngine is the primary engine. It loads the watch page, lifts the
// caption track list out of the embedded player response, and fetches the
// selected track as json3.
type TimedTextEngine struct {
	// BaseURL defaults to https://www.youtube.com.
	BaseURL string
}

func (e *TimedTextEngine) Name() transcript.Engine { return transcript.EnginePrimary }

func (e *TimedTextEngine) base() string {
	if e.BaseURL != "" {
		return strings.TrimRight(e.BaseURL, "/")
	}
	return "https://www.youtube.com"
}

func (e *TimedTextEngine) Fetch(ctx context.Context, client *http.Client, videoID, language string) ([]transcript.Segment, error) {
	page, err := fetchBody(ctx, client, fmt.Sprintf("%s/watch?v=%s&hl=en", e.base(), videoID))
	if err != nil {
		return nil, err
	}
	tracks, err := parseWatchPage(page)
	if err != nil {
		return nil, err
	}
	track, err := pickTrack(tracks, language)
	if err != nil {
		return nil, err
	}
	rawURL, err := trackURL(track.BaseURL)
	if err != nil {
		return nil, err
	}
	body, err := fetchBody(ctx, client, rawURL)
	if err != nil {
		return nil, err
	}
	return parseJSON3(body)
}

// parseWatchPage extracts the caption track array from the player response
// JSON embedded in the watch page HTML.
func parseWatchPage(page []byte) ([]captionTrack, error) {
	html := string(page)
	if status, ok := scanPlayabilityStatus(html); ok {
		switch status {
		case "ERROR":
			return nil, transcript.NewError(transcript.KindVideoUnavailable,
				"the video is unavailable", nil)
		case "LOGIN_REQUIRED":
			return nil, transcript.NewError(transcript.KindUpstreamBlocked,
				"the video requires sign-in", nil)
		}
	}
	const marker = `"captionTracks":`
	idx := strings.Index(html, marker)
	if idx == -1 {
		return nil, transcript.NewError(transcript.KindSubtitlesDisabled,
			"the video has no subtitle tracks", nil)
	}
	decoder := json.NewDecoder(strings.NewReader(html[idx+len(marker):]))
	var tracks []captionTrack
	if err := decoder.Decode(&tracks); err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient,
			"caption track metadata did not parse", err)
	}
	return tracks, nil
}

// scanPlayabilityStatus finds the player response status without decoding
// the whole page. The status value follows the marker as a JSON string.
func scanPlayabilityStatus(html string) (string, bool) {
	const marker = `"playabilityStatus":{"status":"`
	idx := strings.Index(html, marker)
	if idx == -1 {
		return "", false
	}
	rest := html[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}
