package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const checkTimeout = 10 * time.Second

// Connection is the REST backend endpoint chosen at startup. It is a plain
// value: nothing rewrites it after ResolveConnection returns.
type Connection struct {
	BaseURL string
	APIKey  string
}

// ResolveConnection checks candidates in priority order and returns the
// first one that answers. A candidate answers when its row API responds
// with any status below 500.
func ResolveConnection(ctx context.Context, client *http.Client, candidates []string, apiKey string) (Connection, error) {
	if len(candidates) == 0 {
		return Connection{}, errors.New("no candidate endpoints")
	}

	var errs []error
	for _, base := range candidates {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if base == "" {
			continue
		}
		if err := check(ctx, client, base, apiKey); err != nil {
			log.Printf("[Network] candidate %s unavailable: %v", base, err)
			errs = append(errs, fmt.Errorf("%s: %w", base, err))
			continue
		}
		log.Printf("[Network] using %s", base)
		return Connection{BaseURL: base, APIKey: apiKey}, nil
	}
	return Connection{}, fmt.Errorf("no reachable endpoint: %w", errors.Join(errs...))
}

func check(ctx context.Context, client *http.Client, base string, apiKey string) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	SetAuth(req, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

// SetAuth adds the API key headers the REST backend expects.
func SetAuth(req *http.Request, apiKey string) {
	if apiKey == "" {
		return
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+apiKey)
}
