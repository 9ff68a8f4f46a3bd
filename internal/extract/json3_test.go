package extract

import (
	"testing"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

func TestParseJSON3(t *testing.T) {
	body := []byte(`{"events":[
		{"tStartMs":0,"dDurationMs":2000},
		{"tStartMs":100,"dDurationMs":1500,"segs":[{"utf8":"Hello "},{"utf8":"world"}]},
		{"tStartMs":2000,"dDurationMs":1000,"segs":[{"utf8":"\n"}]},
		{"tStartMs":3000,"dDurationMs":500,"segs":[{"utf8":"Goodbye"}]}
	]}`)
	segments, err := parseJSON3(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments", len(segments))
	}
	if segments[0].Text != "Hello world" || segments[0].Start != 0.1 || segments[0].Duration != 1.5 {
		t.Fatalf("first segment = %+v", segments[0])
	}
	if segments[1].Text != "Goodbye" || segments[1].Start != 3 {
		t.Fatalf("second segment = %+v", segments[1])
	}
}

func TestParseJSON3RejectsGarbage(t *testing.T) {
	_, err := parseJSON3([]byte("<html>throttled</html>"))
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := transcript.KindOf(err); kind != transcript.KindUpstreamTransient {
		t.Fatalf("kind = %s", kind)
	}
}

func TestParseJSON3EmptyTrack(t *testing.T) {
	_, err := parseJSON3([]byte(`{"events":[{"tStartMs":0,"dDurationMs":100}]}`))
	if err == nil {
		t.Fatal("expected error for empty track")
	}
	if kind := transcript.KindOf(err); kind != transcript.KindSubtitlesDisabled {
		t.Fatalf("kind = %s", kind)
	}
}

func TestPickTrackPrefersManualExactMatch(t *testing.T) {
	tracks := []captionTrack{
		{BaseURL: "u1", LanguageCode: "en", Kind: "asr"},
		{BaseURL: "u2", LanguageCode: "en"},
		{BaseURL: "u3", LanguageCode: "de"},
	}
	track, err := pickTrack(tracks, "en")
	if err != nil {
		t.Fatal(err)
	}
	if track.BaseURL != "u2" {
		t.Fatalf("picked %q", track.BaseURL)
	}
}

func TestPickTrackFallsBackToBaseLanguage(t *testing.T) {
	tracks := []captionTrack{
		{BaseURL: "u1", LanguageCode: "en-US"},
		{BaseURL: "u2", LanguageCode: "de"},
	}
	track, err := pickTrack(tracks, "en")
	if err != nil {
		t.Fatal(err)
	}
	if track.BaseURL != "u1" {
		t.Fatalf("picked %q", track.BaseURL)
	}
}

func TestPickTrackLanguageUnavailable(t *testing.T) {
	tracks := []captionTrack{{BaseURL: "u1", LanguageCode: "de"}}
	_, err := pickTrack(tracks, "fr")
	if kind := transcript.KindOf(err); kind != transcript.KindLanguageUnavailable {
		t.Fatalf("kind = %s", kind)
	}
}

func TestPickTrackNoTracks(t *testing.T) {
	_, err := pickTrack(nil, "en")
	if kind := transcript.KindOf(err); kind != transcript.KindSubtitlesDisabled {
		t.Fatalf("kind = %s", kind)
	}
}
