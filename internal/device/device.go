// Package device derives stable device identities from connection metadata.
// A fingerprint is the SHA-256 of the source IP concatenated with a
// normalized user agent: version numbers are stripped so that routine browser
// updates do not look like new devices, while OS family, browser family and
// form factor are kept.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Info carries the connection metadata an authentication request arrives with.
// Either field may be empty; engines treat an empty IP as "source unknown".
type Info struct {
	IP        string
	UserAgent string
}

// Known returns true when the request carried a usable source address.
func (i Info) Known() bool { return i.IP != "" }

var versionPattern = regexp.MustCompile(`[\d]+(\.[\d]+)*`)

// browser families in match order: more specific strings first, since
// Chrome's UA contains "Safari" and Edge's contains "Chrome".
var browserFamilies = []string{"Edg", "OPR", "Opera", "SamsungBrowser", "Firefox", "Chrome", "Safari", "MSIE", "Trident", "curl", "okhttp"}

var osFamilies = []string{"Windows", "Android", "iPhone", "iPad", "Mac OS X", "Macintosh", "CrOS", "Linux"}

// Fingerprint hashes ip together with the normalized user agent.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + NormalizeUserAgent(userAgent)))
	return hex.EncodeToString(sum[:])
}

// NormalizeUserAgent reduces a raw UA string to its stable families.
// The result is "<os>/<browser>/<form>", lowercase, with "unknown" filling
// any part that could not be classified.
func NormalizeUserAgent(ua string) string {
	if ua == "" {
		return "unknown/unknown/unknown"
	}
	stripped := versionPattern.ReplaceAllString(ua, "")

	os := "unknown"
	for _, f := range osFamilies {
		if strings.Contains(stripped, f) {
			os = f
			break
		}
	}

	browser := "unknown"
	for _, f := range browserFamilies {
		if strings.Contains(stripped, f) {
			browser = f
			break
		}
	}

	form := "desktop"
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "mobile") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		form = "mobile"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		form = "tablet"
	case strings.Contains(lower, "bot") || strings.Contains(lower, "curl") || strings.Contains(lower, "okhttp"):
		form = "client"
	}

	return strings.ToLower(os) + "/" + strings.ToLower(browser) + "/" + form
}

// Name extracts a short human label for session listings ("Chrome on Windows").
func Name(ua string) string {
	if ua == "" {
		return "Unknown device"
	}
	stripped := versionPattern.ReplaceAllString(ua, "")

	browser := ""
	for _, f := range browserFamilies {
		if strings.Contains(stripped, f) {
			browser = displayBrowser(f)
			break
		}
	}

	os := ""
	for _, f := range osFamilies {
		if strings.Contains(stripped, f) {
			os = displayOS(f)
			break
		}
	}

	switch {
	case browser != "" && os != "":
		return browser + " on " + os
	case browser != "":
		return browser
	case os != "":
		return os
	default:
		return "Unknown device"
	}
}

func displayBrowser(f string) string {
	switch f {
	case "Edg":
		return "Edge"
	case "OPR":
		return "Opera"
	case "SamsungBrowser":
		return "Samsung Browser"
	case "MSIE", "Trident":
		return "Internet Explorer"
	default:
		return f
	}
}

func displayOS(f string) string {
	switch f {
	case "Mac OS X", "Macintosh":
		return "macOS"
	case "CrOS":
		return "ChromeOS"
	case "iPhone", "iPad":
		return "iOS"
	default:
		return f
	}
}
