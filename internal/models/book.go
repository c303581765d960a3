package models

import (
	"fmt"
	"time"
)

// SourceID identifies the catalog a listing was scraped from.
type SourceID string

const (
	SourcePrimary   SourceID = "primary"
	SourceSecondary SourceID = "secondary"
)

// DefaultAuthor is used when a listing carries no recognizable author.
const DefaultAuthor = "Unknown"

// BookListing is a search-result entry before its download URL is confirmed.
type BookListing struct {
	Title             string   `json:"title"`
	Author            string   `json:"author"`
	Format            string   `json:"format"`
	PublishedDateText string   `json:"publishedDate,omitempty"`
	Category          string   `json:"category,omitempty"`
	DetailPageURL     string   `json:"detailPageUrl"`
	CoverImageURL     string   `json:"coverImageUrl,omitempty"`
	SourceID          SourceID `json:"source"`
}

// String is the log form of a listing.
func (b BookListing) String() string {
	return fmt.Sprintf("%s — %s [%s] %s", b.Title, b.Author, b.Format, b.DetailPageURL)
}

// ResolvedBook is a listing whose detail page yielded a download URL.
type ResolvedBook struct {
	BookListing
	DownloadURL string `json:"downloadUrl"`
}

// PersistedBook is a stored book row. DownloadURL is the dedup key.
type PersistedBook struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Format      string    `json:"format"`
	Category    string    `json:"category,omitempty"`
	CoverURL    string    `json:"coverUrl,omitempty"`
	DownloadURL string    `json:"downloadUrl"`
	StoragePath string    `json:"storagePath"`
	PublicURL   string    `json:"publicUrl"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StoredObject describes an uploaded file in object storage.
type StoredObject struct {
	Path      string
	PublicURL string
	SizeBytes int64
}
