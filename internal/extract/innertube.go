package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// InnertubeEngine is the fallback engine. It asks the innertube player API
// for the caption track list using an Android client identity, which often
// answers when the watch page is throttled.
type InnertubeEngine struct {
	// BaseURL defaults to https://www.youtube.com.
	BaseURL string
}

func (e *InnertubeEngine) Name() transcript.Engine { return transcript.EngineFallback }

func (e *InnertubeEngine) base() string {
	if e.BaseURL != "" {
		return strings.TrimRight(e.BaseURL, "/")
	}
	return "https://www.youtube.com"
}

type innertubeRequest struct {
	Context innertubeContext `json:"context"`
	VideoID string           `json:"videoId"`
}

type innertubeContext struct {
	Client innertubeClient `json:"client"`
}

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSDKVersion int    `json:"androidSdkVersion"`
	HL                string `json:"hl"`
}

type innertubeResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	Captions struct {
		Renderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

func (e *InnertubeEngine) Fetch(ctx context.Context, client *http.Client, videoID, language string) ([]transcript.Segment, error) {
	payload, err := json.Marshal(innertubeRequest{
		Context: innertubeContext{Client: innertubeClient{
			ClientName:        "ANDROID",
			ClientVersion:     "19.09.37",
			AndroidSDKVersion: 30,
			HL:                "en",
		}},
		VideoID: videoID,
	})
	if err != nil {
		return nil, transcript.NewError(transcript.KindInternal, "encoding player request failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base()+"/youtubei/v1/player", bytes.NewReader(payload))
	if err != nil {
		return nil, transcript.NewError(transcript.KindInternal, "building player request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "com.google.android.youtube/19.09.37 (Linux; U; Android 11)")

	resp, err := client.Do(req)
	if err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient, "player request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient, "reading player response failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var decoded innertubeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, transcript.NewError(transcript.KindUpstreamTransient, "player response did not parse", err)
	}
	switch decoded.PlayabilityStatus.Status {
	case "", "OK":
	case "ERROR":
		return nil, transcript.NewError(transcript.KindVideoUnavailable,
			reasonOr(decoded.PlayabilityStatus.Reason, "the video is unavailable"), nil)
	case "LOGIN_REQUIRED", "CONTENT_CHECK_REQUIRED":
		return nil, transcript.NewError(transcript.KindUpstreamBlocked,
			reasonOr(decoded.PlayabilityStatus.Reason, "the video requires sign-in"), nil)
	default:
		return nil, transcript.NewError(transcript.KindVideoUnavailable,
			fmt.Sprintf("player reports status %s", decoded.PlayabilityStatus.Status), nil)
	}

	track, err := pickTrack(decoded.Captions.Renderer.CaptionTracks, language)
	if err != nil {
		return nil, err
	}
	rawURL, err := trackURL(track.BaseURL)
	if err != nil {
		return nil, err
	}
	trackBody, err := fetchBody(ctx, client, rawURL)
	if err != nil {
		return nil, err
	}
	return parseJSON3(trackBody)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
