// Package extract fetches subtitle tracks from YouTube. Two engines share a
// retry ladder: the primary engine scrapes the watch page for caption track
// metadata, the fallback engine asks the innertube player API. Both deliver
// the json3 track format. Engine attempts alternate between direct and
// proxied egress with bounded backoff between rungs.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Engine fetches the subtitle track for a video in one language. The client
// carries the proxy and timeout for the current attempt.
type Engine interface {
	Name() transcript.Engine
	Fetch(ctx context.Context, client *http.Client, videoID, language string) ([]transcript.Segment, error)
}

// captionTrack is the track descriptor both engines share.
type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// pickTrack selects the best caption track for the language: an exact
// manual track, then exact auto-generated, then base-language prefix
// matches in the same order.
func pickTrack(tracks []captionTrack, language string) (captionTrack, error) {
	if len(tracks) == 0 {
		return captionTrack{}, transcript.NewError(transcript.KindSubtitlesDisabled,
			"the video has no subtitle tracks", nil)
	}
	base := langBase(language)
	bestRank := -1
	var best captionTrack
	for _, track := range tracks {
		rank := -1
		switch {
		case track.LanguageCode == language && track.Kind != "asr":
			rank = 3
		case track.LanguageCode == language:
			rank = 2
		case langBase(track.LanguageCode) == base && track.Kind != "asr":
			rank = 1
		case langBase(track.LanguageCode) == base:
			rank = 0
		}
		if rank > bestRank {
			best, bestRank = track, rank
		}
	}
	if bestRank == -1 {
		return captionTrack{}, transcript.NewError(transcript.KindLanguageUnavailable,
			fmt.Sprintf("no subtitle track for language %q", language), nil)
	}
	return best, nil
}

func langBase(code string) string {
	for i := 0; i < len(code); i++ {
		if code[i] == '-' {
			return code[:i]
		}
	}
	return code
}

// classifyStatus maps an upstream HTTP status to the error taxonomy.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusForbidden:
		return transcript.NewError(transcript.KindUpstreamBlocked,
			fmt.Sprintf("upstream rejected the request with status %d", status), nil)
	case status == http.StatusNotFound:
		return transcript.NewError(transcript.KindVideoUnavailable,
			"upstream reports the video does not exist", nil)
	case status >= 500:
		return transcript.NewError(transcript.KindUpstreamTransient,
			fmt.Sprintf("upstream returned status %d", status), nil)
	default:
		return transcript.NewError(transcript.KindUpstreamTransient,
			fmt.Sprintf("unexpected upstream status %d: %.120s", status, body), nil)
	}
}

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxResponseBytes = 20 << 20
)

// fetchBody performs a GET and returns the body, classifying failures into
// the taxonomy.
func fetchBody(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, transcript.NewError(transcript.KindInternal, "building upstream request failed", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := client.Do(req)
	if err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient, "upstream request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient, "reading upstream response failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}
	return body, nil
}

// trackURL appends the json3 format selector to a caption track URL.
func trackURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", transcript.NewError(transcript.KindUpstreamTransient, "malformed caption track url", err)
	}
	query := parsed.Query()
	query.Set("fmt", "json3")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
