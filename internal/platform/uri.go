package platform

import (
	"net/url"
	"strings"
)

// ParseURIList extracts local paths from a text/uri-list payload. Comments
// and non-file URIs are skipped.
func ParseURIList(payload string) []string {
	var paths []string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\x00"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := url.Parse(line)
		if err != nil || u.Scheme != "file" || u.Path == "" {
			continue
		}
		if u.Host != "" && u.Host != "localhost" {
			continue
		}
		paths = append(paths, u.Path)
	}
	return paths
}
