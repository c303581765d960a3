package service

import (
	"context"
	"log"
	"time"

	"bookrelay/internal/browser"
	"bookrelay/internal/models"
	"bookrelay/internal/parser"
)

// Resolver opens a listing's detail page and reads its download link.
type Resolver struct {
	navTimeout time.Duration
}

func NewResolver(navTimeout time.Duration) *Resolver {
	return &Resolver{navTimeout: navTimeout}
}

// Resolve never fails: a listing whose page cannot be read comes back with
// an empty DownloadURL and callers drop it. Each call uses its own page,
// which is always closed.
func (r *Resolver) Resolve(ctx context.Context, session browser.Session, adapter parser.SourceAdapter, listing models.BookListing) models.ResolvedBook {
	book := models.ResolvedBook{BookListing: listing}

	page, err := session.NewPage(ctx)
	if err != nil {
		log.Printf("[Resolve:%s] new page for %q: %v", adapter.ID(), listing.Title, err)
		return book
	}
	defer page.Close()

	if err := page.Navigate(ctx, listing.DetailPageURL, r.navTimeout); err != nil {
		log.Printf("[Resolve:%s] %s: %v", adapter.ID(), listing.DetailPageURL, err)
		return book
	}
	html, err := page.HTML(ctx)
	if err != nil {
		log.Printf("[Resolve:%s] read %s: %v", adapter.ID(), listing.DetailPageURL, err)
		return book
	}
	if parser.IsChallengePage(html) {
		log.Printf("[Resolve:%s] %s: challenge page", adapter.ID(), listing.DetailPageURL)
		return book
	}

	base := page.URL()
	if base == "" {
		base = listing.DetailPageURL
	}
	links := adapter.ExtractDownload(html, base)
	book.DownloadURL = links.DownloadURL
	if book.CoverImageURL == "" {
		book.CoverImageURL = links.CoverURL
	}
	return book
}
