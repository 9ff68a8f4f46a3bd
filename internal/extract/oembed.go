package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TitleFetcher resolves a video title. Titles are decoration on the
// artifact, so failures degrade to an empty title instead of failing the
// extraction.
type TitleFetcher interface {
	Title(ctx context.Context, client *http.Client, videoID string) (string, error)
}

// OEmbedTitles fetches titles from the public oEmbed endpoint.
type OEmbedTitles struct {
	// BaseURL defaults to https://www.youtube.com.
	BaseURL string
}

func (o *OEmbedTitles) base() string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return "https://www.youtube.com"
}

func (o *OEmbedTitles) Title(ctx context.Context, client *http.Client, videoID string) (string, error) {
	watchURL := url.QueryEscape("https://www.youtube.com/watch?v=" + videoID)
	endpoint := fmt.Sprintf("%s/oembed?url=%s&format=json", o.base(), watchURL)
	body, err := fetchBody(ctx, client, endpoint)
	if err != nil {
		return "", err
	}
	var decoded struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	return decoded.Title, nil
}
