package auth

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// BrowserClass buckets a User-Agent for the adaptive m3u8 counter.
type BrowserClass string

const (
	ClassMobile  BrowserClass = "mobile_browser"
	ClassDesktop BrowserClass = "desktop_browser"
	ClassTool    BrowserClass = "tool_or_downloader"
)

// Ordered substring tables. Tools are checked first so that a downloader
// spoofing a partial browser UA still lands in the strictest class.
var (
	toolPatterns = []string{
		"curl", "wget", "python", "ffmpeg", "okhttp", "go-http-client",
		"aria2", "axel", "libvlc", "lavf", "java/", "httpclient",
		"postman", "scrapy", "httpie", "you-get", "yt-dlp", "youtube-dl",
	}
	mobilePatterns = []string{
		"iphone", "ipad", "ipod", "android", "mobile", "windows phone",
		"opera mini", "ucbrowser", "miuibrowser",
	}
	desktopPatterns = []string{
		"windows nt", "macintosh", "x11;", "chrome/", "firefox/",
		"safari/", "edg/", "opr/", "trident",
	}
)

// Detector classifies User-Agent strings with a bounded memo cache:
// players tend to repeat the same UA for every segment fetch.
type Detector struct {
	memo *gocache.Cache
}

// NewDetector creates a browser-class detector.
func NewDetector() *Detector {
	return &Detector{
		memo: gocache.New(10*time.Minute, 15*time.Minute),
	}
}

// Classify returns the browser class of a User-Agent. Unmatched agents
// default to tool_or_downloader.
func (d *Detector) Classify(userAgent string) BrowserClass {
	if cached, ok := d.memo.Get(userAgent); ok {
		return cached.(BrowserClass)
	}
	class := classify(userAgent)
	d.memo.SetDefault(userAgent, class)
	return class
}

func classify(userAgent string) BrowserClass {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return ClassTool
	}
	for _, p := range toolPatterns {
		if strings.Contains(ua, p) {
			return ClassTool
		}
	}
	for _, p := range mobilePatterns {
		if strings.Contains(ua, p) {
			return ClassMobile
		}
	}
	for _, p := range desktopPatterns {
		if strings.Contains(ua, p) {
			return ClassDesktop
		}
	}
	return ClassTool
}
