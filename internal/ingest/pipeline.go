package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	"bookrelay/internal/apperr"
	"bookrelay/internal/browser"
	"bookrelay/internal/download"
	"bookrelay/internal/models"
	"bookrelay/internal/parser"
	"bookrelay/internal/storage"
)

const defaultFormat = "PDF"

type Pipeline struct {
	library     Library
	launcher    browser.Launcher
	coordinator *download.Coordinator
	sources     *parser.Registry
	browserOpts browser.Options
}

func NewPipeline(library Library, launcher browser.Launcher, coordinator *download.Coordinator, sources *parser.Registry, browserOpts browser.Options) *Pipeline {
	return &Pipeline{
		library:     library,
		launcher:    launcher,
		coordinator: coordinator,
		sources:     sources,
		browserOpts: browserOpts,
	}
}

// Ingest stores the book behind req.URL once. A URL that is already stored
// is answered from the library without opening a browser.
func (p *Pipeline) Ingest(ctx context.Context, req models.IngestRequest) (models.IngestResult, error) {
	target := strings.TrimSpace(req.URL)
	if err := validateURL(target); err != nil {
		return models.IngestResult{}, err
	}

	existing, err := p.library.FindByDownloadURL(ctx, target)
	if err != nil {
		return models.IngestResult{}, apperr.Wrap(apperr.KindDedupCheck, "could not check for an existing copy", err)
	}
	if existing != nil {
		log.Printf("[Ingest] %s already stored as %s", target, existing.ID)
		return dedupResult(*existing), nil
	}

	session, err := p.launcher.Open(ctx, p.browserOpts)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindBrowserLaunch, "could not start browser", err)
		}
		return models.IngestResult{}, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("[Ingest] close session: %v", err)
		}
	}()

	attempt, err := p.coordinator.Run(ctx, session, target, p.sources.ControlFor(req.Source))
	if attempt != nil && attempt.ScratchPath != "" {
		defer removeScratch(attempt.ScratchPath)
	}
	if err != nil {
		return models.IngestResult{}, err
	}

	format := parser.InferFormat("", attempt.SuggestedFilename, "")
	if format == "" {
		format = parser.InferFormat(req.Format, "", defaultFormat)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSuffix(attempt.SuggestedFilename, "."+strings.ToLower(format))
	}
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = models.DefaultAuthor
	}

	obj, err := p.library.Upload(ctx, attempt.ScratchPath, storage.ObjectName(title, format))
	if err != nil {
		return models.IngestResult{}, apperr.Wrap(apperr.KindUpload, "upload failed", err)
	}

	book, err := p.library.Insert(ctx, models.PersistedBook{
		Title:       title,
		Author:      author,
		Format:      format,
		Category:    strings.TrimSpace(req.Category),
		CoverURL:    strings.TrimSpace(req.CoverURL),
		DownloadURL: target,
		StoragePath: obj.Path,
		PublicURL:   obj.PublicURL,
		SizeBytes:   obj.SizeBytes,
	})
	if err != nil {
		p.compensate(ctx, obj.Path)
		if errors.Is(err, ErrDuplicate) {
			// A concurrent request stored the same URL first.
			if winner, ferr := p.library.FindByDownloadURL(ctx, target); ferr == nil && winner != nil {
				log.Printf("[Ingest] %s lost insert race to %s", target, winner.ID)
				return dedupResult(*winner), nil
			}
		}
		return models.IngestResult{}, apperr.Wrap(apperr.KindInsert, "saving the book record failed", err)
	}

	log.Printf("[Ingest] stored %q as %s (%d bytes, %d retries)", book.Title, book.ID, book.SizeBytes, attempt.Retries)
	return models.IngestResult{
		Success:     true,
		ID:          book.ID,
		PublicURL:   book.PublicURL,
		StoragePath: book.StoragePath,
	}, nil
}

// compensate removes an uploaded object whose record could not be saved.
func (p *Pipeline) compensate(ctx context.Context, storagePath string) {
	if err := p.library.Remove(context.WithoutCancel(ctx), storagePath); err != nil {
		log.Printf("[Ingest] compensating remove of %s failed: %v", storagePath, err)
		return
	}
	log.Printf("[Ingest] removed orphaned object %s", storagePath)
}

func dedupResult(b models.PersistedBook) models.IngestResult {
	return models.IngestResult{
		Success:      true,
		ID:           b.ID,
		PublicURL:    b.PublicURL,
		StoragePath:  b.StoragePath,
		Deduplicated: true,
	}
}

func removeScratch(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Ingest] remove scratch %s: %v", path, err)
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return apperr.New(apperr.KindInvalidInput, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.New(apperr.KindInvalidInput, fmt.Sprintf("url %q is not an absolute http(s) url", raw))
	}
	return nil
}
