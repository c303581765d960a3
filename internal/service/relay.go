package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// Relay streams remote files (covers, stored objects) through the server's
// outbound client, which may be proxied.
type Relay struct {
	httpClient *http.Client
}

func NewRelay(client *http.Client) *Relay {
	if client == nil {
		client = http.DefaultClient
	}
	return &Relay{httpClient: client}
}

// RelayedFile is an open remote body. Body must be closed by the caller.
type RelayedFile struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Filename      string
}

func (r *Relay) Open(ctx context.Context, targetURL string, fallbackName string) (RelayedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return RelayedFile{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return RelayedFile{}, fmt.Errorf("fetch %s: %w", targetURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return RelayedFile{}, fmt.Errorf("fetch %s: upstream returned %s", targetURL, resp.Status)
	}
	return RelayedFile{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Filename:      parseFilename(resp.Header, fallbackName),
	}, nil
}

// parseFilename reads the name the server suggests in Content-Disposition.
func parseFilename(headers http.Header, fallback string) string {
	_, params, err := mime.ParseMediaType(headers.Get("Content-Disposition"))
	if err == nil {
		if val, ok := params["filename"]; ok && val != "" {
			return val
		}
	}
	return fallback
}
