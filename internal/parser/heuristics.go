package parser

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	formatRe       = regexp.MustCompile(`(?i)\b(pdf|epub|mobi|azw3|azw|djvu|fb2|docx|doc|txt|html?)\b`)
	yearRe         = regexp.MustCompile(`\b(1[5-9]\d{2}|20\d{2})\b`)
	spaceRe        = regexp.MustCompile(`\s+`)
	downloadTextRe = regexp.MustCompile(`(?i)\b(download|get)\b`)
)

// challengeMarkers are anti-bot interstitial fingerprints.
var challengeMarkers = []string{
	"cf-browser-verification",
	"/cdn-cgi/challenge-platform/",
	"_cf_chl",
	"cf-chl-",
	"<title>just a moment...</title>",
	"challenge-form",
}

// IsChallengePage reports whether html is an anti-bot interstitial rather
// than site content.
func IsChallengePage(html string) bool {
	low := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// InferFormat finds a known ebook format in free text, falling back to the
// extension of a file name or URL path, then to fallback.
func InferFormat(text string, filename string, fallback string) string {
	if m := formatRe.FindStringSubmatch(text); len(m) == 2 {
		return normalizeFormat(m[1])
	}
	if filename != "" {
		if u, err := url.Parse(filename); err == nil && u.Path != "" {
			filename = u.Path
		}
		ext := strings.TrimPrefix(path.Ext(filename), ".")
		if ext != "" && formatRe.MatchString(ext) {
			return normalizeFormat(ext)
		}
	}
	return fallback
}

func normalizeFormat(f string) string {
	f = strings.ToUpper(strings.TrimSpace(f))
	if f == "HTM" {
		return "HTML"
	}
	return f
}

// labeledValues splits a metadata block into "Label: value" pairs. <br>
// elements are treated as line breaks.
func labeledValues(sel *goquery.Selection) map[string]string {
	clone := sel.Clone()
	clone.Find("br").ReplaceWithHtml("\n")
	clone.Find("p, li, div").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	out := make(map[string]string)
	for _, line := range strings.Split(clone.Text(), "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		label = strings.ToLower(collapseSpace(label))
		value = collapseSpace(value)
		if label == "" || value == "" {
			continue
		}
		if _, seen := out[label]; !seen {
			out[label] = value
		}
	}
	return out
}

// firstLabeled returns the value of the first present label.
func firstLabeled(values map[string]string, labels ...string) string {
	for _, l := range labels {
		if v := values[l]; v != "" {
			return v
		}
	}
	return ""
}

// absoluteURL resolves ref against base and accepts only http(s) results.
func absoluteURL(base string, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if !r.IsAbs() {
		b, err := url.Parse(base)
		if err != nil || !b.IsAbs() {
			return "", false
		}
		r = b.ResolveReference(r)
	}
	if (r.Scheme != "http" && r.Scheme != "https") || r.Host == "" {
		return "", false
	}
	return r.String(), true
}

// imageSource prefers lazy-load attributes over placeholder src values.
func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "data-original", "src"} {
		v, ok := img.Attr(attr)
		v = strings.TrimSpace(v)
		if !ok || v == "" || strings.HasPrefix(v, "data:") {
			continue
		}
		return v
	}
	return ""
}

func isNoiseImage(src string) bool {
	low := strings.ToLower(src)
	return strings.Contains(low, "logo") || strings.Contains(low, "favicon") ||
		strings.Contains(low, "avatar") || strings.Contains(low, "banner") || strings.HasSuffix(low, ".svg")
}
