// Package fingerprint canonicalises arbitrary video references into the
// cache key tuple (video_id, language, clean_flag). The fingerprint is the
// sole identity used by every cache tier, the job queue, and the single
// flight lock; equal fingerprints encode byte-for-byte equally.
package fingerprint

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/language"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// DefaultLanguage is applied when the request carries no language code.
const DefaultLanguage = "en"

// Fingerprint identifies one extraction artifact.
type Fingerprint struct {
	VideoID  string
	Language string
	Clean    bool
}

// Key returns the stable string encoding used to derive tier keys.
func (f Fingerprint) Key() string {
	variant := "clean"
	if !f.Clean {
		variant = "raw"
	}
	return fmt.Sprintf("%s:%s:%s", f.VideoID, f.Language, variant)
}

func (f Fingerprint) String() string { return f.Key() }

// Parse canonicalises a video reference (URL or bare 11-character id) plus a
// language code and clean flag into a Fingerprint. Failures carry
// KindInvalidInput.
func Parse(ref, lang string, clean bool) (Fingerprint, error) {
	id, err := ExtractVideoID(ref)
	if err != nil {
		return Fingerprint{}, err
	}
	canonical, err := CanonicalLanguage(lang)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{VideoID: id, Language: canonical, Clean: clean}, nil
}

// ExtractVideoID pulls the 11-character id out of a bare id or a URL on a
// recognised YouTube host. Recognised path shapes: /watch?v=, /, /shorts/,
// /embed/, /v/.
func ExtractVideoID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", transcript.NewError(transcript.KindInvalidInput, "video reference is required", nil)
	}
	if videoIDPattern.MatchString(ref) {
		return ref, nil
	}

	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", transcript.NewError(transcript.KindInvalidInput, "unparseable video reference", err)
	}
	if !recognisedHost(parsed.Hostname()) {
		return "", transcript.NewError(transcript.KindInvalidInput, fmt.Sprintf("unrecognised host %q", parsed.Hostname()), nil)
	}

	candidate := ""
	path := strings.Trim(parsed.EscapedPath(), "/")
	switch {
	case parsed.Query().Get("v") != "":
		candidate = parsed.Query().Get("v")
	case strings.HasPrefix(path, "shorts/"):
		candidate = strings.TrimPrefix(path, "shorts/")
	case strings.HasPrefix(path, "embed/"):
		candidate = strings.TrimPrefix(path, "embed/")
	case strings.HasPrefix(path, "v/"):
		candidate = strings.TrimPrefix(path, "v/")
	default:
		// youtu.be/<id> style: the id is the whole path.
		candidate = path
	}
	if idx := strings.IndexByte(candidate, '/'); idx >= 0 {
		candidate = candidate[:idx]
	}
	if !videoIDPattern.MatchString(candidate) {
		return "", transcript.NewError(transcript.KindInvalidInput, fmt.Sprintf("no 11-character video id in %q", ref), nil)
	}
	return candidate, nil
}

func recognisedHost(host string) bool {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com", "youtu.be", "youtube-nocookie.com":
		return true
	}
	return false
}

// CanonicalLanguage trims and canonicalises a BCP-47-ish code: the base
// subtag is lower-cased while a script subtag keeps its title case (zh-Hans).
// An empty input yields DefaultLanguage.
func CanonicalLanguage(lang string) (string, error) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return DefaultLanguage, nil
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return "", transcript.NewError(transcript.KindInvalidInput, fmt.Sprintf("invalid language code %q", lang), err)
	}
	base, baseConf := tag.Base()
	if baseConf == language.No {
		return "", transcript.NewError(transcript.KindInvalidInput, fmt.Sprintf("invalid language code %q", lang), nil)
	}
	out := base.String()
	if script, conf := tag.Script(); conf == language.Exact {
		out += "-" + script.String()
	}
	if region, conf := tag.Region(); conf == language.Exact && region.IsCountry() {
		out += "-" + region.String()
	}
	return out, nil
}
