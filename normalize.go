package main

import (
	"net/url"
	"regexp"
	"strings"
)

// videoIDPattern matches a bare YouTube video identifier.
var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// timestampPattern matches the timestamp forms we preserve ("90", "90s",
// "1h2m3s").
var timestampPattern = regexp.MustCompile(`^(\d+h)?(\d+m)?(\d+s?)?$`)

// normalizeURL canonicalizes a source reference so identical content maps to
// an identical string. Watch, embed, shorts, live and short-link forms all
// collapse to https://www.youtube.com/watch?v=ID, keeping only an optional
// timestamp. Bare 11-character identifiers are expanded to the same form.
//
// The function is pure and total: its output feeds the cache key, so the same
// input must always yield the same output. Anything it cannot parse is
// returned unchanged.
func normalizeURL(reference string) string {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return reference
	}

	if videoIDPattern.MatchString(ref) {
		return canonicalWatchURL(ref, "")
	}

	u, err := url.Parse(ref)
	if err != nil {
		return reference
	}
	if u.Host == "" && !strings.Contains(ref, "://") {
		// Scheme-less forms like "youtu.be/ID" or "www.youtube.com/watch?v=ID".
		u, err = url.Parse("https://" + ref)
		if err != nil {
			return reference
		}
	}

	host := strings.ToLower(u.Hostname())
	id := ""
	switch {
	case host == "youtu.be":
		id = firstPathSegment(u.Path)
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		id = youtubeVideoID(u)
	default:
		return reference
	}
	if !videoIDPattern.MatchString(id) {
		return reference
	}

	return canonicalWatchURL(id, timestampParam(u))
}

func youtubeVideoID(u *url.URL) string {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch segments[0] {
	case "watch":
		return u.Query().Get("v")
	case "embed", "shorts", "v", "live":
		if len(segments) > 1 {
			return segments[1]
		}
	}
	return ""
}

func firstPathSegment(path string) string {
	return strings.Split(strings.Trim(path, "/"), "/")[0]
}

// timestampParam extracts a preservable start-time parameter, dropping
// everything else (playlist position, radio context, tracking parameters).
func timestampParam(u *url.URL) string {
	q := u.Query()
	t := q.Get("t")
	if t == "" {
		t = q.Get("start")
	}
	if t == "" || !timestampPattern.MatchString(t) {
		return ""
	}
	return t
}

func canonicalWatchURL(id, t string) string {
	s := "https://www.youtube.com/watch?v=" + id
	if t != "" {
		s += "&t=" + t
	}
	return s
}

// isShortForm reports whether the raw reference points at short-form content.
// The hint must be taken from the raw reference because normalization
// collapses /shorts/ paths into plain watch URLs.
func isShortForm(reference string) bool {
	ref := strings.TrimSpace(reference)
	if !strings.Contains(ref, "://") {
		ref = "https://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.Trim(u.Path, "/"), "shorts/")
}

// isSupportedReference reports whether a normalized reference can be handed to
// the extraction tool.
func isSupportedReference(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
