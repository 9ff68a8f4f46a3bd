package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

func playerServer(t *testing.T, status string, trackLangs ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/youtubei/v1/player", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var req innertubeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Context.Client.ClientName != "ANDROID" {
			http.Error(w, "wrong client", http.StatusBadRequest)
			return
		}
		response := map[string]any{
			"playabilityStatus": map[string]any{"status": status},
		}
		if len(trackLangs) > 0 {
			tracks := make([]map[string]any, 0, len(trackLangs))
			for _, lang := range trackLangs {
				tracks = append(tracks, map[string]any{
					"baseUrl":      fmt.Sprintf("%s/api/timedtext?lang=%s", server.URL, lang),
					"languageCode": lang,
				})
			}
			response["captions"] = map[string]any{
				"playerCaptionsTracklistRenderer": map[string]any{"captionTracks": tracks},
			}
		}
		json.NewEncoder(w).Encode(response)
	})
	mux.HandleFunc("/api/timedtext", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleJSON3)
	})
	return server
}

func TestInnertubeFetch(t *testing.T) {
	server := playerServer(t, "OK", "en")
	engine := &InnertubeEngine{BaseURL: server.URL}
	segments, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 || segments[0].Text != "hello there" {
		t.Fatalf("segments = %+v", segments)
	}
}

func TestInnertubeNoCaptions(t *testing.T) {
	server := playerServer(t, "OK")
	engine := &InnertubeEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindSubtitlesDisabled {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestInnertubeVideoUnavailable(t *testing.T) {
	server := playerServer(t, "ERROR")
	engine := &InnertubeEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindVideoUnavailable {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestInnertubeLoginRequired(t *testing.T) {
	server := playerServer(t, "LOGIN_REQUIRED")
	engine := &InnertubeEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindUpstreamBlocked {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestInnertubeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)
	engine := &InnertubeEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindUpstreamTransient {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}
