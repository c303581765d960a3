package parser

import (
	"errors"
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bookrelay/internal/browser"
	"bookrelay/internal/models"
)

const primaryFallbackFormat = "PDF"

var (
	// Result titles look like "[PDF] [EPUB] Eloquent JavaScript Download".
	titleTagRe    = regexp.MustCompile(`\[([A-Za-z0-9]+)\]`)
	titleSuffixRe = regexp.MustCompile(`(?i)\s+(?:free\s+)?download\s*$`)

	// Detail pages live at /authors/<book>/<slug>-download/.
	primaryDetailPathRe = regexp.MustCompile(`(?i)^/authors/[^/]+/[^/]+-download/?$`)
)

// PrimaryCatalog scrapes a WordPress-style ebook catalog: one <article> per
// result, a title link, a lazily loaded cover and a "Label: value" meta block.
type PrimaryCatalog struct {
	BaseURL string
}

var _ SourceAdapter = (*PrimaryCatalog)(nil)

func NewPrimaryCatalog(baseURL string) *PrimaryCatalog {
	return &PrimaryCatalog{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *PrimaryCatalog) ID() models.SourceID { return models.SourcePrimary }

func (c *PrimaryCatalog) SearchURL(query string) string {
	return c.BaseURL + "/?s=" + url.QueryEscape(strings.TrimSpace(query))
}

func (c *PrimaryCatalog) TriggerControl() browser.Control {
	return browser.Control{
		Selector:  `#downloadBtn, a.download-button, button.download-button, input[type="submit"][value*="Download"]`,
		Container: ".download-ready",
	}
}

func (c *PrimaryCatalog) ExtractListings(html string, max int) []models.BookListing {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.Printf("[Parser:%s] read html: %v", c.ID(), err)
		return nil
	}
	return eachEntry(c.ID(), doc.Find("article"), max, c.parseEntry)
}

func (c *PrimaryCatalog) parseEntry(s *goquery.Selection) (models.BookListing, error) {
	link := s.Find(".entry-title a, h2 a, h3 a").First()
	if link.Length() == 0 {
		return models.BookListing{}, errors.New("no title link")
	}

	rawTitle := collapseSpace(link.Text())
	title := cleanPrimaryTitle(rawTitle)
	if title == "" {
		return models.BookListing{}, errors.New("empty title")
	}

	href, _ := link.Attr("href")
	detailURL, ok := absoluteURL(c.BaseURL+"/", href)
	if !ok {
		return models.BookListing{}, errors.New("detail link is not an absolute http url: " + href)
	}

	meta := labeledValues(s.Find(".postmetainfo, .entry-meta, .entry-content").First())

	format := formatFromTags(rawTitle)
	if format == "" {
		format = InferFormat(firstLabeled(meta, "format", "file format", "type"), detailURL, primaryFallbackFormat)
	}

	author := firstLabeled(meta, "author", "authors", "by", "writer")
	if author == "" {
		author = models.DefaultAuthor
	}

	listing := models.BookListing{
		Title:             title,
		Author:            author,
		Format:            format,
		PublishedDateText: firstLabeled(meta, "date", "published", "publish date", "release date", "year"),
		Category:          firstLabeled(meta, "genre", "category", "categories"),
		DetailPageURL:     detailURL,
		SourceID:          c.ID(),
	}

	if src := imageSource(s.Find("img").First()); src != "" && !isNoiseImage(src) {
		if cover, ok := absoluteURL(c.BaseURL+"/", src); ok {
			listing.CoverImageURL = cover
		}
	}
	return listing, nil
}

// formatFromTags reads the first bracketed format tag of a result title.
func formatFromTags(raw string) string {
	for _, m := range titleTagRe.FindAllStringSubmatch(raw, -1) {
		if f := InferFormat(m[1], "", ""); f != "" {
			return f
		}
	}
	return ""
}

func cleanPrimaryTitle(raw string) string {
	title := titleTagRe.ReplaceAllString(raw, "")
	title = titleSuffixRe.ReplaceAllString(title, "")
	return collapseSpace(title)
}

func (c *PrimaryCatalog) ExtractDownload(html string, pageURL string) DetailLinks {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.Printf("[Parser:%s] read detail html: %v", c.ID(), err)
		return DetailLinks{}
	}

	// Sidebars and headers link to other books' detail pages, whose URLs
	// also contain "download"; only the post body is searched.
	scope := doc.Find(".entry-content")
	if scope.Length() == 0 {
		scope = doc.Find("article")
	}
	if scope.Length() == 0 {
		scope = doc.Selection
	}

	var links DetailLinks
	scope.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		low := strings.ToLower(href)
		text := collapseSpace(a.Text())
		if !strings.Contains(low, "download") && !downloadTextRe.MatchString(text) {
			return true
		}
		// Category archives like /category/downloads/ are navigation.
		if strings.Contains(low, "/category/") || strings.Contains(low, "/tag/") {
			return true
		}
		abs, ok := absoluteURL(pageURL, href)
		if !ok || c.isDetailPage(abs, pageURL) {
			return true
		}
		links.DownloadURL = abs
		return false
	})

	if og, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		if abs, ok := absoluteURL(pageURL, og); ok {
			links.CoverURL = abs
		}
	}
	if links.CoverURL == "" {
		doc.Find(".entry-content img, img.wp-post-image").EachWithBreak(func(_ int, img *goquery.Selection) bool {
			src := imageSource(img)
			if src == "" || isNoiseImage(src) {
				return true
			}
			if abs, ok := absoluteURL(pageURL, src); ok {
				links.CoverURL = abs
				return false
			}
			return true
		})
	}
	return links
}

// isDetailPage reports whether link points at a book detail page, the
// current one included, rather than at a file.
func (c *PrimaryCatalog) isDetailPage(link string, pageURL string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if p, err := url.Parse(pageURL); err == nil && u.Host == p.Host &&
		strings.TrimRight(u.Path, "/") == strings.TrimRight(p.Path, "/") && u.RawQuery == p.RawQuery {
		return true
	}
	return primaryDetailPathRe.MatchString(u.Path)
}
