package scrape

import "bytes"

// detectionMarkers are lowercase substrings whose presence in a rendered
// page indicates a block or challenge rather than real content. They cover
// the common CDN interstitials (Cloudflare, DataDome, PerimeterX) and
// generic CAPTCHA walls.
var detectionMarkers = [][]byte{
	[]byte("cf-challenge"),
	[]byte("cf-browser-verification"),
	[]byte("attention required! | cloudflare"),
	[]byte("checking your browser before accessing"),
	[]byte("just a moment..."),
	[]byte("datadome"),
	[]byte("px-captcha"),
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("verify you are a human"),
	[]byte("are you a robot"),
	[]byte("access denied"),
	[]byte("unusual traffic from your computer network"),
}

// Detected reports whether the HTML looks like an anti-automation
// interstitial. A very short body on an otherwise loaded page is also
// treated as suspicious only when it carries a marker, never on size alone:
// legitimate pages can be tiny.
func Detected(html []byte) bool {
	lower := bytes.ToLower(html)
	for _, m := range detectionMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}
