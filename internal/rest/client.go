// Package rest is the REST-backed library: book rows behind a PostgREST
// style row API and files in a bucket of the matching object API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"bookrelay/internal/ingest"
	"bookrelay/internal/models"
	"bookrelay/internal/network"
)

const (
	table            = "books"
	defaultListLimit = 50
)

type Client struct {
	httpClient *http.Client
	conn       network.Connection
	bucket     string
	now        func() time.Time
}

var _ ingest.Library = (*Client)(nil)

func New(conn network.Connection, httpClient *http.Client, bucket string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{httpClient: httpClient, conn: conn, bucket: bucket, now: time.Now}
}

// row is the wire shape of a books row.
type row struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Format      string    `json:"format"`
	Category    string    `json:"category"`
	CoverURL    string    `json:"cover_url"`
	DownloadURL string    `json:"download_url"`
	StoragePath string    `json:"storage_path"`
	PublicURL   string    `json:"public_url"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func fromBook(b models.PersistedBook) row {
	return row{
		ID: b.ID, Title: b.Title, Author: b.Author, Format: b.Format, Category: b.Category, CoverURL: b.CoverURL,
		DownloadURL: b.DownloadURL, StoragePath: b.StoragePath, PublicURL: b.PublicURL,
		SizeBytes: b.SizeBytes, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt,
	}
}

func (r row) book() models.PersistedBook {
	return models.PersistedBook{
		ID: r.ID, Title: r.Title, Author: r.Author, Format: r.Format, Category: r.Category, CoverURL: r.CoverURL,
		DownloadURL: r.DownloadURL, StoragePath: r.StoragePath, PublicURL: r.PublicURL,
		SizeBytes: r.SizeBytes, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (c *Client) FindByDownloadURL(ctx context.Context, downloadURL string) (*models.PersistedBook, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("download_url", "eq."+downloadURL)
	q.Set("limit", "1")

	var rows []row
	if err := c.rows(ctx, http.MethodGet, q, nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("find by download url: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	b := rows[0].book()
	return &b, nil
}

func (c *Client) Insert(ctx context.Context, b models.PersistedBook) (models.PersistedBook, error) {
	now := c.now().UTC()
	b.ID = uuid.NewString()
	b.CreatedAt = now
	b.UpdatedAt = now

	body, err := json.Marshal([]row{fromBook(b)})
	if err != nil {
		return models.PersistedBook{}, err
	}
	q := url.Values{}
	q.Set("on_conflict", "download_url")
	headers := http.Header{"Prefer": {"return=representation,resolution=ignore-duplicates"}}

	var rows []row
	if err := c.rows(ctx, http.MethodPost, q, headers, body, &rows); err != nil {
		return models.PersistedBook{}, fmt.Errorf("insert book: %w", err)
	}
	// Ignored duplicates come back as an empty representation.
	if len(rows) == 0 {
		return models.PersistedBook{}, ingest.ErrDuplicate
	}
	return rows[0].book(), nil
}

func (c *Client) Get(ctx context.Context, id string) (models.PersistedBook, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)

	var rows []row
	if err := c.rows(ctx, http.MethodGet, q, nil, nil, &rows); err != nil {
		return models.PersistedBook{}, fmt.Errorf("get book: %w", err)
	}
	if len(rows) == 0 {
		return models.PersistedBook{}, ingest.ErrNotFound
	}
	return rows[0].book(), nil
}

func (c *Client) List(ctx context.Context, limit int) ([]models.PersistedBook, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))

	var rows []row
	if err := c.rows(ctx, http.MethodGet, q, nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	books := make([]models.PersistedBook, 0, len(rows))
	for _, r := range rows {
		books = append(books, r.book())
	}
	return books, nil
}

func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	headers := http.Header{"Prefer": {"return=representation"}}

	var rows []row
	if err := c.rows(ctx, http.MethodDelete, q, headers, nil, &rows); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if len(rows) == 0 {
		return ingest.ErrNotFound
	}
	if err := c.Remove(ctx, rows[0].StoragePath); err != nil {
		log.Printf("[REST] book %s deleted, object %s left behind: %v", id, rows[0].StoragePath, err)
	}
	return nil
}

func (c *Client) Upload(ctx context.Context, localPath string, objectName string) (models.StoredObject, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return models.StoredObject{}, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return models.StoredObject{}, fmt.Errorf("stat source file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(objectName), f)
	if err != nil {
		return models.StoredObject{}, err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentTypeFor(objectName))
	req.Header.Set("x-upsert", "false")
	network.SetAuth(req, c.conn.APIKey)

	if err := c.do(req, nil); err != nil {
		return models.StoredObject{}, fmt.Errorf("upload %s: %w", objectName, err)
	}
	return models.StoredObject{
		Path:      objectName,
		PublicURL: c.PublicURL(objectName),
		SizeBytes: info.Size(),
	}, nil
}

func (c *Client) Remove(ctx context.Context, storagePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(storagePath), nil)
	if err != nil {
		return err
	}
	network.SetAuth(req, c.conn.APIKey)
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("remove %s: %w", storagePath, err)
	}
	return nil
}

func (c *Client) OpenObject(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(storagePath), nil)
	if err != nil {
		return nil, err
	}
	network.SetAuth(req, c.conn.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", storagePath, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ingest.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open %s: unexpected status code: %d", storagePath, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) PublicURL(objectName string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.conn.BaseURL, c.bucket, url.PathEscape(objectName))
}

func (c *Client) objectURL(objectName string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", c.conn.BaseURL, c.bucket, url.PathEscape(objectName))
}

// rows calls the row API of the books table.
func (c *Client) rows(ctx context.Context, method string, q url.Values, headers http.Header, body []byte, target any) error {
	u := fmt.Sprintf("%s/rest/v1/%s?%s", c.conn.BaseURL, table, q.Encode())

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	network.SetAuth(req, c.conn.APIKey)

	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
