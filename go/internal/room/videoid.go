package room

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidVideoID is returned when no 11-character video identifier can be
// extracted from a video-change input.
var ErrInvalidVideoID = errors.New("invalid video id")

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// NormalizeVideoID extracts the canonical 11-character identifier from a raw
// video-change input. Accepted forms: a bare identifier, watch?v=ID (v in any
// query position), youtu.be/ID and embed/ID URLs. Anything else fails with
// ErrInvalidVideoID; the caller drops the intent.
func NormalizeVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}

	var candidate string
	switch {
	case strings.Contains(raw, "youtu.be/"):
		rest := raw[strings.Index(raw, "youtu.be/")+len("youtu.be/"):]
		candidate = firstPathToken(rest)
	case strings.Contains(raw, "embed/"):
		rest := raw[strings.Index(raw, "embed/")+len("embed/"):]
		candidate = firstPathToken(rest)
	case strings.Contains(raw, "watch?"):
		query := raw[strings.Index(raw, "watch?")+len("watch?"):]
		if i := strings.IndexByte(query, '#'); i >= 0 {
			query = query[:i]
		}
		values, err := url.ParseQuery(query)
		if err != nil {
			return "", ErrInvalidVideoID
		}
		candidate = values.Get("v")
	default:
		return "", ErrInvalidVideoID
	}

	if !videoIDPattern.MatchString(candidate) {
		return "", ErrInvalidVideoID
	}
	return candidate, nil
}

// firstPathToken returns the leading run of a path segment, stopping at any
// URL delimiter.
func firstPathToken(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '?', '&', '/', '#':
			return s[:i]
		}
	}
	return s
}
