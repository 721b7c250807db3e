package netobs

import "net/url"

// hostOf extracts the lowercase host from a URL, or "" when unparsable.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
