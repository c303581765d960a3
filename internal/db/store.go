package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"bookrelay/internal/ingest"
	"bookrelay/internal/models"
	"bookrelay/internal/storage"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// Fixed width so that text order is time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	defaultListLimit = 50
)

// Store is the direct-SQL library: rows in SQLite or PostgreSQL, objects
// on local disk.
type Store struct {
	db     *sql.DB
	driver string
	files  *storage.Disk
	now    func() time.Time
}

var _ ingest.Library = (*Store)(nil)

// Open connects, applies pragmas (SQLite) and migrates. dsn is a file path
// for SQLite and a connection string for PostgreSQL.
func Open(driver string, dsn string, files *storage.Disk) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	var sqlDriver string
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		sqlDriver = "sqlite"
	case DriverPostgres:
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer; WAL lets readers proceed.
		db.SetMaxOpenConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, driver: driver, files: files, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection; /api/health calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragma := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, stmt := range pragma {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	// The unique index on download_url closes the check-then-insert race.
	schema := []string{`
CREATE TABLE IF NOT EXISTS books (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	format TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	cover_url TEXT NOT NULL DEFAULT '',
	download_url TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	public_url TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_books_download_url ON books(download_url)`,
		`CREATE INDEX IF NOT EXISTS idx_books_created_at ON books(created_at)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Databases created before cover_url existed.
	if _, err := db.Exec(`ALTER TABLE books ADD COLUMN cover_url TEXT NOT NULL DEFAULT ''`); err != nil && !columnExists(err) {
		return fmt.Errorf("migrate: add cover_url: %w", err)
	}
	return nil
}

// columnExists recognizes the "duplicate column" error of both drivers.
func columnExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

const bookColumns = `id, title, author, format, category, cover_url, download_url, storage_path, public_url, size_bytes, created_at, updated_at`

func (s *Store) FindByDownloadURL(ctx context.Context, downloadURL string) (*models.PersistedBook, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+bookColumns+` FROM books WHERE download_url = ?`), downloadURL)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by download url: %w", err)
	}
	return &b, nil
}

func (s *Store) Upload(_ context.Context, localPath string, objectName string) (models.StoredObject, error) {
	return s.files.Put(localPath, objectName)
}

func (s *Store) Insert(ctx context.Context, b models.PersistedBook) (models.PersistedBook, error) {
	now := s.now().UTC()
	b.ID = uuid.NewString()
	b.CreatedAt = now
	b.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO books (`+bookColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (download_url) DO NOTHING
`), b.ID, b.Title, b.Author, b.Format, b.Category, b.CoverURL, b.DownloadURL, b.StoragePath, b.PublicURL, b.SizeBytes,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return models.PersistedBook{}, fmt.Errorf("insert book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.PersistedBook{}, fmt.Errorf("insert book: %w", err)
	}
	if n == 0 {
		return models.PersistedBook{}, ingest.ErrDuplicate
	}
	return b, nil
}

func (s *Store) Remove(_ context.Context, storagePath string) error {
	return s.files.Remove(storagePath)
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM books WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if err := s.files.Remove(b.StoragePath); err != nil {
		log.Printf("[DB] book %s deleted, object %s left behind: %v", id, b.StoragePath, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.PersistedBook, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+bookColumns+` FROM books WHERE id = ?`), id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PersistedBook{}, ingest.ErrNotFound
	}
	if err != nil {
		return models.PersistedBook{}, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

// List returns the most recently stored books first.
func (s *Store) List(ctx context.Context, limit int) ([]models.PersistedBook, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+bookColumns+` FROM books ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	books := []models.PersistedBook{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (s *Store) OpenObject(_ context.Context, storagePath string) (io.ReadCloser, error) {
	return s.files.Open(storagePath)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (models.PersistedBook, error) {
	var b models.PersistedBook
	var created, updated string
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.Format, &b.Category, &b.CoverURL, &b.DownloadURL,
		&b.StoragePath, &b.PublicURL, &b.SizeBytes, &created, &updated)
	if err != nil {
		return models.PersistedBook{}, err
	}
	b.CreatedAt, _ = time.Parse(timeLayout, created)
	b.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return b, nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
