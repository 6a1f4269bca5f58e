package statemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExtractLabel tests repository name extraction from source URLs
func TestExtractLabel(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{name: "GitSuffix", url: "https://example.com/owner/repo.git", expected: "repo"},
		{name: "NoSuffix", url: "https://github.com/owner/MyAddon", expected: "MyAddon"},
		{name: "TrailingSlash", url: "https://github.com/owner/repo/", expected: "repo"},
		{name: "NestedGroups", url: "https://gitlab.com/group/sub/project.git", expected: "project"},
		{name: "OnlyDotGit", url: "https://example.com/owner/.git", expected: UnknownLabel},
		{name: "SingleSegment", url: "https://example.com/repo.git", expected: UnknownLabel},
		{name: "NoPath", url: "https://example.com", expected: UnknownLabel},
		{name: "NotAURL", url: "not a url", expected: UnknownLabel},
		{name: "Empty", url: "", expected: UnknownLabel},
		{name: "BadEscape", url: "https://example.com/%zz/repo", expected: UnknownLabel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.expected, ExtractLabel(tt.url))
			})
		})
	}
}
