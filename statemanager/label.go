package statemanager

import (
	"net/url"
	"strings"
)

// UnknownLabel is returned when no label can be derived from a source URL
const UnknownLabel = "Unknown"

// ExtractLabel returns the repository name of a source URL, e.g.
// "https://example.com/owner/repo.git" -> "repo".
func ExtractLabel(sourceURL string) string {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return UnknownLabel
	}

	segments := make([]string, 0, 4)
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	// owner/repo at minimum
	if len(segments) < 2 {
		return UnknownLabel
	}

	name := strings.TrimSuffix(segments[len(segments)-1], ".git")
	if name == "" {
		return UnknownLabel
	}
	return name
}
