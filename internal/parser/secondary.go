package parser

import (
	"errors"
	"log"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bookrelay/internal/browser"
	"bookrelay/internal/models"
)

const secondaryFallbackFormat = "EPUB"

// mirrorHosts are download mirrors linked from the archive's detail pages,
// in preference order.
var mirrorHosts = []string{
	"library.lol",
	"libgen.li",
	"libgen.rocks",
	"libgen.lc",
	"libgen.gs",
	"libgen.vg",
}

// Column layout of the archive's result table.
const (
	colAuthors = 1
	colTitle   = 2
	colYear    = 4
	colExt     = 8
)

// SecondaryArchive scrapes a Library Genesis style archive: one table row
// per result, an md5 detail link and a mirror list on the detail page.
type SecondaryArchive struct {
	BaseURL string
}

var _ SourceAdapter = (*SecondaryArchive)(nil)

func NewSecondaryArchive(baseURL string) *SecondaryArchive {
	return &SecondaryArchive{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (a *SecondaryArchive) ID() models.SourceID { return models.SourceSecondary }

func (a *SecondaryArchive) SearchURL(query string) string {
	return a.BaseURL + "/search.php?req=" + url.QueryEscape(strings.TrimSpace(query)) + "&res=100&column=def"
}

func (a *SecondaryArchive) TriggerControl() browser.Control {
	return browser.Control{
		Selector:  `#download h2 a, a[href*="get.php"]`,
		Container: "#download",
	}
}

func (a *SecondaryArchive) ExtractListings(html string, max int) []models.BookListing {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.Printf("[Parser:%s] read html: %v", a.ID(), err)
		return nil
	}

	rows := doc.Find("table.c tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		// Header row uses <b> labels and has no md5 link.
		return tr.Find(`a[href*="md5="]`).Length() > 0 || tr.Find("td b").Length() == 0
	})
	return eachEntry(a.ID(), rows, max, a.parseRow)
}

func (a *SecondaryArchive) parseRow(tr *goquery.Selection) (models.BookListing, error) {
	cells := tr.Children().Filter("td")
	if cells.Length() <= colExt {
		return models.BookListing{}, errors.New("row has too few cells")
	}

	link := cells.Eq(colTitle).Find(`a[href*="md5="]`).First()
	if link.Length() == 0 {
		return models.BookListing{}, errors.New("no md5 link")
	}

	// Edition and ISBN are nested in <font>; the title is the link's own text.
	titleSel := link.Clone()
	titleSel.Find("font, i, br").Remove()
	title := collapseSpace(titleSel.Text())
	if title == "" {
		return models.BookListing{}, errors.New("empty title")
	}

	href, _ := link.Attr("href")
	detailURL, ok := absoluteURL(a.BaseURL+"/", href)
	if !ok {
		return models.BookListing{}, errors.New("detail link is not an absolute http url: " + href)
	}

	var authors []string
	cells.Eq(colAuthors).Find("a").Each(func(_ int, s *goquery.Selection) {
		if name := collapseSpace(s.Text()); name != "" {
			authors = append(authors, name)
		}
	})
	author := strings.Join(authors, ", ")
	if author == "" {
		author = collapseSpace(cells.Eq(colAuthors).Text())
	}
	if author == "" {
		author = models.DefaultAuthor
	}

	ext := collapseSpace(cells.Eq(colExt).Text())
	return models.BookListing{
		Title:             title,
		Author:            author,
		Format:            InferFormat(ext, href, secondaryFallbackFormat),
		PublishedDateText: yearRe.FindString(collapseSpace(cells.Eq(colYear).Text())),
		DetailPageURL:     detailURL,
		SourceID:          a.ID(),
	}, nil
}

func (a *SecondaryArchive) ExtractDownload(html string, pageURL string) DetailLinks {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.Printf("[Parser:%s] read detail html: %v", a.ID(), err)
		return DetailLinks{}
	}

	var links DetailLinks
	anchors := doc.Find("a[href]")

	// Known mirrors first, in preference order.
	for _, host := range mirrorHosts {
		anchors.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			if !strings.Contains(strings.ToLower(href), host) {
				return true
			}
			if abs, ok := absoluteURL(pageURL, href); ok {
				links.DownloadURL = abs
				return false
			}
			return true
		})
		if links.DownloadURL != "" {
			break
		}
	}

	// Fallback: the first download-labeled link.
	if links.DownloadURL == "" {
		anchors.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if !downloadTextRe.MatchString(collapseSpace(s.Text())) {
				return true
			}
			href, _ := s.Attr("href")
			if abs, ok := absoluteURL(pageURL, href); ok {
				links.DownloadURL = abs
				return false
			}
			return true
		})
	}

	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src := imageSource(img)
		if src == "" || isNoiseImage(src) {
			return true
		}
		if !strings.Contains(strings.ToLower(src), "cover") {
			return true
		}
		// Covers are served relative to the archive root.
		if abs, ok := absoluteURL(a.BaseURL+"/", src); ok {
			links.CoverURL = abs
			return false
		}
		return true
	})
	return links
}
