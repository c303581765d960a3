package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bookrelay/internal/apperr"
	"bookrelay/internal/browser"
	"bookrelay/internal/models"
	"bookrelay/internal/parser"
)

const (
	defaultLimit = 10
	maxLimit     = 50

	// A challenge interstitial usually clears after one reload.
	searchAttempts = 2
)

type SearchConfig struct {
	Browser           browser.Options
	NavigationTimeout time.Duration
	MaxListings       int
	ResolveLimit      int
	ResolveRPS        int
}

// Searcher runs one live scrape per request: search page → listings →
// sequential detail resolution → pagination. Nothing is cached.
type Searcher struct {
	launcher browser.Launcher
	sources  *parser.Registry
	resolver *Resolver
	limiter  *rate.Limiter
	cfg      SearchConfig
}

func NewSearcher(launcher browser.Launcher, sources *parser.Registry, cfg SearchConfig) *Searcher {
	rps := cfg.ResolveRPS
	if rps <= 0 {
		rps = 1
	}
	return &Searcher{
		launcher: launcher,
		sources:  sources,
		resolver: NewResolver(cfg.NavigationTimeout),
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		cfg:      cfg,
	}
}

// Search validates the request and returns one page of resolved books.
// Only invalid input is an error; every other failure yields an empty
// result with Message set.
func (s *Searcher) Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return models.SearchResult{}, apperr.New(apperr.KindInvalidInput, "query is required")
	}
	sourceID := req.Source
	if sourceID == "" {
		sourceID = models.SourcePrimary
	}
	adapter, ok := s.sources.Get(sourceID)
	if !ok {
		return models.SearchResult{}, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("unknown source %q", req.Source))
	}

	page, limit := req.Page, req.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	books, err := s.collect(ctx, adapter, query)
	if err != nil {
		log.Printf("[Search:%s] %q failed: %v", adapter.ID(), query, err)
		return models.SearchResult{
			Books:   []models.ResolvedBook{},
			Page:    page,
			Limit:   limit,
			Message: searchFailureMessage(err),
		}, nil
	}
	return Paginate(books, page, limit), nil
}

// collect gathers the full resolved set of one search in a single pass.
func (s *Searcher) collect(ctx context.Context, adapter parser.SourceAdapter, query string) ([]models.ResolvedBook, error) {
	session, err := s.launcher.Open(ctx, s.cfg.Browser)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("[Search:%s] close session: %v", adapter.ID(), err)
		}
	}()

	listings, err := s.listings(ctx, session, adapter, query)
	if err != nil {
		return nil, err
	}
	log.Printf("[Search:%s] %q: %d listings", adapter.ID(), query, len(listings))

	n := len(listings)
	if s.cfg.ResolveLimit > 0 && n > s.cfg.ResolveLimit {
		n = s.cfg.ResolveLimit
	}

	// One listing at a time: concurrent navigations in one context corrupt
	// each other's page state.
	books := make([]models.ResolvedBook, 0, n)
	for _, listing := range listings[:n] {
		if err := s.limiter.Wait(ctx); err != nil {
			// A partial set would misreport the totals.
			return nil, apperr.Wrap(apperr.KindDeadlineExceeded,
				fmt.Sprintf("stopped after resolving %d of %d listings", len(books), n), err)
		}
		book := s.resolver.Resolve(ctx, session, adapter, listing)
		if book.DownloadURL == "" {
			log.Printf("[Search:%s] drop %q: no download link", adapter.ID(), listing.Title)
			continue
		}
		books = append(books, book)
	}
	return books, nil
}

func (s *Searcher) listings(ctx context.Context, session browser.Session, adapter parser.SourceAdapter, query string) ([]models.BookListing, error) {
	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open search page: %w", err)
	}
	defer page.Close()

	target := adapter.SearchURL(query)
	if err := page.Navigate(ctx, target, s.cfg.NavigationTimeout); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		html, err := page.HTML(ctx)
		if err != nil {
			return nil, fmt.Errorf("read search page: %w", err)
		}
		if !parser.IsChallengePage(html) {
			return adapter.ExtractListings(html, s.cfg.MaxListings), nil
		}
		if attempt >= searchAttempts {
			return nil, apperr.New(apperr.KindExtraction, "source answered with an anti-bot challenge")
		}
		log.Printf("[Search:%s] challenge page, reloading (attempt %d/%d)", adapter.ID(), attempt+1, searchAttempts)
		if err := page.Reload(ctx, s.cfg.NavigationTimeout); err != nil {
			return nil, err
		}
	}
}

// Paginate slices one page out of the full set; totals cover the whole set.
func Paginate(books []models.ResolvedBook, page, limit int) models.SearchResult {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	total := len(books)
	// Compare before multiplying so huge page numbers cannot overflow.
	start := total
	if page-1 <= total/limit {
		start = min((page-1)*limit, total)
	}
	end := start + limit
	if end > total {
		end = total
	}
	return models.SearchResult{
		Books:      append([]models.ResolvedBook{}, books[start:end]...),
		Total:      total,
		TotalPages: models.TotalPages(total, limit),
		Page:       page,
		Limit:      limit,
	}
}

func searchFailureMessage(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindBrowserLaunch:
		return "browser is unavailable, try again later"
	case apperr.KindNavigationTimeout:
		return "the catalog did not respond in time"
	case apperr.KindNavigationRefused:
		return "the catalog could not be reached"
	case apperr.KindExtraction:
		return "the catalog is blocking automated access right now"
	case apperr.KindDeadlineExceeded:
		return "the search ran out of time before all results were checked"
	}
	return "search failed, try again later"
}
