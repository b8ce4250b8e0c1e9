package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMatchKey(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"segment after date", "/videos/2024-01-15/showname/index.m3u8", "showname"},
		{"date is last segment", "/videos/2024-01-15", "2024-01-15"},
		{"no date segment", "/videos/showname/index.m3u8", "index.m3u8"},
		{"single segment", "/file.ts", "file.ts"},
		{"trailing slash", "/videos/2024-01-15/showname/", "showname"},
		{"double slashes collapse", "//videos//2024-01-15//showname//seg.ts", "showname"},
		{"first date wins", "/a/2024-01-01/x/2024-02-02/y", "x"},
		{"date-like but invalid", "/a/2024-1-15/b", "b"},
		{"empty path", "", ""},
		{"root path", "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMatchKey(tt.path))
		})
	}
}
