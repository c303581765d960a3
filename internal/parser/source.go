package parser

import (
	"fmt"
	"log"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bookrelay/internal/browser"
	"bookrelay/internal/models"
)

// DetailLinks is what a detail page yields. An empty DownloadURL means no
// matching control was found; callers drop such listings.
type DetailLinks struct {
	DownloadURL string
	CoverURL    string
}

// SourceAdapter holds the selector and pattern rules of one catalog. Adding
// a catalog means adding one implementation and registering it.
type SourceAdapter interface {
	ID() models.SourceID
	SearchURL(query string) string

	// ExtractListings returns at most max listings in document order.
	// Malformed entries are skipped and logged, never returned as errors.
	ExtractListings(html string, max int) []models.BookListing

	// ExtractDownload reads the download anchor (and cover) from a detail page.
	ExtractDownload(html string, pageURL string) DetailLinks

	// TriggerControl is the download control on the pages this source's
	// download URLs lead to.
	TriggerControl() browser.Control
}

// DefaultControl is used for download pages of unknown origin.
var DefaultControl = browser.Control{
	Selector: `a[href*="get.php"], a#download, a.download-button, button.download-button`,
}

// Registry maps source ids to adapters.
type Registry struct {
	adapters map[models.SourceID]SourceAdapter
}

func NewRegistry(adapters ...SourceAdapter) *Registry {
	r := &Registry{adapters: make(map[models.SourceID]SourceAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

func (r *Registry) Get(id models.SourceID) (SourceAdapter, bool) {
	a, ok := r.adapters[models.SourceID(strings.ToLower(string(id)))]
	return a, ok
}

// ControlFor returns the trigger control for a source, DefaultControl when unknown.
func (r *Registry) ControlFor(id models.SourceID) browser.Control {
	if a, ok := r.Get(id); ok {
		return a.TriggerControl()
	}
	return DefaultControl
}

// eachEntry runs fn for every selection, isolating failures: an entry that
// errors or panics is logged and skipped.
func eachEntry(source models.SourceID, sel *goquery.Selection, max int, fn func(*goquery.Selection) (models.BookListing, error)) []models.BookListing {
	var out []models.BookListing
	sel.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if max > 0 && len(out) >= max {
			return false
		}
		listing, err := safeEntry(s, fn)
		if err != nil {
			log.Printf("[Parser:%s] skip entry #%d: %v", source, i, err)
			return true
		}
		out = append(out, listing)
		return true
	})
	return out
}

func safeEntry(s *goquery.Selection, fn func(*goquery.Selection) (models.BookListing, error)) (listing models.BookListing, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while parsing entry: %v", r)
		}
	}()
	return fn(s)
}
