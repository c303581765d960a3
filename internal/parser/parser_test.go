package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookrelay/internal/models"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(b)
}

func TestPrimaryExtractListingsSkipsMalformed(t *testing.T) {
	c := NewPrimaryCatalog("https://catalog.example/")
	listings := c.ExtractListings(fixture(t, "primary_search.html"), 0)

	require.Len(t, listings, 15)
	for _, l := range listings {
		assert.True(t, strings.HasPrefix(l.DetailPageURL, "https://catalog.example/authors/"), l.DetailPageURL)
		assert.Equal(t, models.SourcePrimary, l.SourceID)
		assert.NotContains(t, l.Title, "Broken")
		assert.NotContains(t, l.Title, "Sponsored")
	}

	first := listings[0]
	assert.Equal(t, "Eloquent JavaScript", first.Title)
	assert.Equal(t, "Marijn Haverbeke", first.Author)
	assert.Equal(t, "EPUB", first.Format)
	assert.Equal(t, "Programming", first.Category)
	assert.Equal(t, "2010-03-01", first.PublishedDateText)
	assert.Equal(t, "https://catalog.example/wp-content/uploads/2024/01/eloquent-javascript.jpg", first.CoverImageURL)

	// Relative detail links are resolved against the catalog root.
	assert.Equal(t, "https://catalog.example/authors/javascript-the-good-parts/pdf-epub-javascript-the-good-parts-download/", listings[1].DetailPageURL)
	assert.Equal(t, "PDF", listings[1].Format)

	// Missing author block falls back to the default.
	assert.Equal(t, models.DefaultAuthor, listings[4].Author)
}

func TestPrimaryExtractListingsKeepsDocumentOrderAndCap(t *testing.T) {
	c := NewPrimaryCatalog("https://catalog.example")
	listings := c.ExtractListings(fixture(t, "primary_search.html"), 5)

	require.Len(t, listings, 5)
	assert.Equal(t, "Eloquent JavaScript", listings[0].Title)
	assert.Equal(t, "Secrets of the JavaScript Ninja", listings[4].Title)
}

func TestPrimaryExtractDownload(t *testing.T) {
	c := NewPrimaryCatalog("https://catalog.example")
	pageURL := "https://catalog.example/authors/eloquent-javascript/pdf-epub-eloquent-javascript-download/"

	links := c.ExtractDownload(fixture(t, "primary_detail.html"), pageURL)
	assert.Equal(t, "https://catalog.example/download/?id=5521&fmt=pdf", links.DownloadURL)
	assert.Equal(t, "https://catalog.example/wp-content/uploads/2024/01/eloquent-javascript.jpg", links.CoverURL)

	empty := c.ExtractDownload(fixture(t, "primary_detail_nolink.html"), pageURL)
	assert.Empty(t, empty.DownloadURL)
}

func TestPrimaryExtractDownloadSkipsOtherBookPages(t *testing.T) {
	c := NewPrimaryCatalog("https://catalog.example")
	pageURL := "https://catalog.example/authors/eloquent-javascript/pdf-epub-eloquent-javascript-download/"

	links := c.ExtractDownload(fixture(t, "primary_detail_sidebar.html"), pageURL)
	assert.Equal(t, "https://catalog.example/download/?id=5521&fmt=pdf", links.DownloadURL)

	assert.True(t, c.isDetailPage("https://catalog.example/authors/you-dont-know-js/pdf-epub-you-dont-know-js-download/", pageURL))
	assert.True(t, c.isDetailPage(pageURL+"#comments", pageURL))
	assert.False(t, c.isDetailPage("https://catalog.example/download/?id=5521&fmt=pdf", pageURL))
}

func TestSecondaryExtractListings(t *testing.T) {
	a := NewSecondaryArchive("https://archive.example")
	listings := a.ExtractListings(fixture(t, "secondary_search.html"), 10)

	require.Len(t, listings, 3)

	assert.Equal(t, "Eloquent JavaScript", listings[0].Title)
	assert.Equal(t, "Marijn Haverbeke", listings[0].Author)
	assert.Equal(t, "EPUB", listings[0].Format)
	assert.Equal(t, "2018", listings[0].PublishedDateText)
	assert.Equal(t, "https://archive.example/book/index.php?md5=A1B2C3D4E5F60718293A4B5C6D7E8F90", listings[0].DetailPageURL)

	assert.Equal(t, "You Don't Know JS: Up & Going", listings[1].Title)
	assert.Equal(t, "Kyle Simpson, Getify", listings[1].Author)
	assert.Equal(t, "PDF", listings[1].Format)
	assert.Equal(t, "2015", listings[1].PublishedDateText)

	assert.Equal(t, models.DefaultAuthor, listings[2].Author)
	assert.Equal(t, "MOBI", listings[2].Format)
	assert.Empty(t, listings[2].PublishedDateText)
}

func TestSecondaryExtractDownloadPrefersKnownMirrors(t *testing.T) {
	a := NewSecondaryArchive("https://archive.example")
	pageURL := "https://archive.example/book/index.php?md5=A1B2C3D4E5F60718293A4B5C6D7E8F90"

	links := a.ExtractDownload(fixture(t, "secondary_detail.html"), pageURL)
	assert.Equal(t, "http://library.lol/main/A1B2C3D4E5F60718293A4B5C6D7E8F90", links.DownloadURL)
	assert.Equal(t, "https://archive.example/covers/1504000/a1b2c3d4e5f60718293a4b5c6d7e8f90-g.jpg", links.CoverURL)

	fallback := a.ExtractDownload(fixture(t, "secondary_detail_fallback.html"), pageURL)
	assert.Equal(t, "https://files.example.org/mirror/abc", fallback.DownloadURL)
}

func TestInferFormat(t *testing.T) {
	assert.Equal(t, "PDF", InferFormat("Format: pdf, 3 MB", "", "EPUB"))
	assert.Equal(t, "AZW3", InferFormat("", "https://x.example/files/book.azw3?x=1", "EPUB"))
	assert.Equal(t, "HTML", InferFormat("htm", "", ""))
	assert.Equal(t, "EPUB", InferFormat("no hint", "https://x.example/files/book", "EPUB"))
}

func TestIsChallengePage(t *testing.T) {
	assert.True(t, IsChallengePage(`<html><head><title>Just a moment...</title></head></html>`))
	assert.True(t, IsChallengePage(`<form id="challenge-form" action="/?__cf_chl_f_tk=abc"></form>`))
	assert.False(t, IsChallengePage(fixture(t, "primary_detail.html")))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewPrimaryCatalog("https://catalog.example"), NewSecondaryArchive("https://archive.example"))

	a, ok := r.Get("SECONDARY")
	require.True(t, ok)
	assert.Equal(t, models.SourceSecondary, a.ID())

	_, ok = r.Get("tertiary")
	assert.False(t, ok)

	assert.Equal(t, "#download", r.ControlFor(models.SourceSecondary).Container)
	assert.Equal(t, DefaultControl, r.ControlFor("tertiary"))
}

func TestSearchURLEscapesQuery(t *testing.T) {
	c := NewPrimaryCatalog("https://catalog.example")
	assert.Equal(t, "https://catalog.example/?s=node+%26+deno", c.SearchURL(" node & deno "))

	a := NewSecondaryArchive("https://archive.example")
	assert.Equal(t, "https://archive.example/search.php?req=go&res=100&column=def", a.SearchURL("go"))
}
