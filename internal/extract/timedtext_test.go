package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

const sampleJSON3 = `{"events":[{"tStartMs":0,"dDurationMs":1000,"segs":[{"utf8":"hello there"}]}]}`

// watchServer serves a watch page whose caption track, when present,
// points back at the same server's timedtext handler.
func watchServer(t *testing.T, playability string, trackLangs ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		page := "<html><script>var ytInitialPlayerResponse = {"
		if playability != "" {
			page += fmt.Sprintf(`"playabilityStatus":{"status":"%s"},`, playability)
		}
		if len(trackLangs) > 0 {
			page += `"captions":{"captionTracks":[`
			for i, lang := range trackLangs {
				if i > 0 {
					page += ","
				}
				page += fmt.Sprintf(`{"baseUrl":"%s/api/timedtext?v=abc&lang=%s","languageCode":"%s"}`,
					server.URL, lang, lang)
			}
			page += `]},`
		}
		page += `"videoDetails":{}};</script></html>`
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/api/timedtext", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fmt") != "json3" {
			http.Error(w, "wrong format", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, sampleJSON3)
	})
	return server
}

func TestTimedTextFetch(t *testing.T) {
	server := watchServer(t, "OK", "en")
	engine := &TimedTextEngine{BaseURL: server.URL}
	segments, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 || segments[0].Text != "hello there" {
		t.Fatalf("segments = %+v", segments)
	}
}

func TestTimedTextNoCaptions(t *testing.T) {
	server := watchServer(t, "OK")
	engine := &TimedTextEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindSubtitlesDisabled {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestTimedTextLanguageUnavailable(t *testing.T) {
	server := watchServer(t, "OK", "de", "fr")
	engine := &TimedTextEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindLanguageUnavailable {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestTimedTextVideoUnavailable(t *testing.T) {
	server := watchServer(t, "ERROR")
	engine := &TimedTextEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindVideoUnavailable {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestTimedTextLoginRequired(t *testing.T) {
	server := watchServer(t, "LOGIN_REQUIRED")
	engine := &TimedTextEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindUpstreamBlocked {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}

func TestTimedTextThrottledStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)
	engine := &TimedTextEngine{BaseURL: server.URL}
	_, err := engine.Fetch(context.Background(), server.Client(), "dQw4w9WgXcQ", "en")
	if kind := transcript.KindOf(err); kind != transcript.KindUpstreamBlocked {
		t.Fatalf("kind = %s (%v)", kind, err)
	}
}
