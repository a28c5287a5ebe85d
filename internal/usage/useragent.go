package usage

import "strings"

// ClassifyUserAgent buckets a raw user-agent string into a coarse client
// class. Order matters: bots first (many spoof browser tokens), then device
// form factors, then browser families. Chrome is checked after Edge because
// Edge user agents also carry "Chrome/", and Safari last because nearly
// every WebKit browser carries "Safari/".
func ClassifyUserAgent(ua string) string {
	s := strings.ToLower(ua)
	switch {
	case s == "":
		return "other"
	case strings.Contains(s, "bot") || strings.Contains(s, "crawler") ||
		strings.Contains(s, "spider") || strings.Contains(s, "curl") ||
		strings.Contains(s, "wget"):
		return "bot"
	case strings.Contains(s, "ipad") || strings.Contains(s, "tablet"):
		return "tablet"
	case strings.Contains(s, "mobile") || strings.Contains(s, "iphone") ||
		strings.Contains(s, "android"):
		return "mobile"
	case strings.Contains(s, "edg/") || strings.Contains(s, "edge/"):
		return "edge"
	case strings.Contains(s, "firefox/"):
		return "firefox"
	case strings.Contains(s, "chrome/") || strings.Contains(s, "chromium/"):
		return "chrome"
	case strings.Contains(s, "safari/"):
		return "safari"
	default:
		return "other"
	}
}
