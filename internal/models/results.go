package models

// SearchRequest is a caller's search query with its page window.
type SearchRequest struct {
	Query  string
	Source SourceID
	Page   int
	Limit  int
}

// SearchResult holds one page of resolved books. Total and TotalPages are
// computed over the full resolved set gathered in the same pass.
type SearchResult struct {
	Books      []ResolvedBook `json:"books"`
	Total      int            `json:"total"`
	TotalPages int            `json:"totalPages"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Message    string         `json:"message,omitempty"`
}

// IngestRequest carries the download URL and the listing metadata to store with it.
type IngestRequest struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Author   string   `json:"author"`
	Format   string   `json:"format"`
	Category string   `json:"category"`
	CoverURL string   `json:"coverUrl"`
	Source   SourceID `json:"source"`
}

// IngestResult is the success shape of an ingest request.
type IngestResult struct {
	Success      bool   `json:"success"`
	ID           string `json:"id"`
	PublicURL    string `json:"publicUrl"`
	StoragePath  string `json:"storagePath"`
	Deduplicated bool   `json:"deduplicated"`
}

// TotalPages returns ceil(total/limit), 0 for an empty set.
func TotalPages(total, limit int) int {
	if total == 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
