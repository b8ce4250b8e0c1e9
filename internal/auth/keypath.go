package auth

import (
	"regexp"
	"strings"
)

var dateSegmentRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ExtractMatchKey derives the whitelist match key from a URL path: the
// segment following the first YYYY-MM-DD date segment, or the last
// non-empty segment when no date segment exists. Empty or root paths
// yield the empty string, which never matches anything.
func ExtractMatchKey(path string) string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return ""
	}

	for i, seg := range segments {
		if dateSegmentRe.MatchString(seg) && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return segments[len(segments)-1]
}
