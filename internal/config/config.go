package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQL  = "sql"
	BackendREST = "rest"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Config holds every setting of the process, passed around as one value.
type Config struct {
	HTTPAddr      string
	PublicBaseURL string

	StorageBackend string
	DBDriver       string
	SQLitePath     string
	DatabaseDSN    string
	StorageDir     string

	RESTURLs   []string
	RESTAPIKey string
	RESTBucket string

	ProxyAddr    string
	BrowserProxy string
	Headless     bool
	UserAgent    string

	DownloadDir      string
	PrimaryBaseURL   string
	SecondaryBaseURL string

	ResolveLimit int
	MaxListings  int
	ResolveRPS   int

	NavigationTimeout time.Duration
	ControlTimeout    time.Duration
	EventTimeout      time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	DownloadDeadline  time.Duration

	TelegramToken string
}

// Load reads .env (if present) and the OS environment into Config.
func Load() (*Config, error) {
	// No .env is fine: in a container the variables come from the environment.
	if err := godotenv.Load(); err != nil {
		log.Println("config: .env not found, reading OS environment")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds Config from a lookup function; Load passes os.Getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	var perr error
	duration := func(key string, fallback time.Duration) time.Duration {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return fallback
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			perr = fmt.Errorf("variable %s: invalid duration %q", key, v)
			return fallback
		}
		return d
	}
	integer := func(key string, fallback int) int {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return fallback
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			perr = fmt.Errorf("variable %s: invalid number %q", key, v)
			return fallback
		}
		return n
	}

	cfg := &Config{
		HTTPAddr:      withDefault(getenv("HTTP_ADDR"), ":8080"),
		PublicBaseURL: strings.TrimRight(withDefault(getenv("PUBLIC_BASE_URL"), "http://localhost:8080"), "/"),

		StorageBackend: strings.ToLower(withDefault(getenv("STORAGE_BACKEND"), BackendSQL)),
		DBDriver:       strings.ToLower(withDefault(getenv("DB_DRIVER"), DriverSQLite)),
		SQLitePath:     resolvePath(withDefault(getenv("SQLITE_PATH"), "data/app.db")),
		DatabaseDSN:    strings.TrimSpace(getenv("DB_DSN")),
		StorageDir:     resolvePath(withDefault(getenv("STORAGE_DIR"), "storage/books")),

		RESTURLs:   splitList(getenv("REST_URLS")),
		RESTAPIKey: strings.TrimSpace(getenv("REST_API_KEY")),
		RESTBucket: withDefault(getenv("REST_BUCKET"), "books"),

		ProxyAddr:    strings.TrimSpace(getenv("PROXY_ADDR")),
		BrowserProxy: strings.TrimSpace(getenv("BROWSER_PROXY")),
		Headless:     withDefault(getenv("HEADLESS"), "true") != "false",
		UserAgent:    withDefault(getenv("USER_AGENT"), defaultUserAgent),

		DownloadDir:      resolvePath(withDefault(getenv("DOWNLOAD_DIR"), "data/downloads")),
		PrimaryBaseURL:   strings.TrimRight(withDefault(getenv("PRIMARY_BASE_URL"), "https://oceanofpdf.com"), "/"),
		SecondaryBaseURL: strings.TrimRight(withDefault(getenv("SECONDARY_BASE_URL"), "https://libgen.is"), "/"),

		ResolveLimit: integer("RESOLVE_LIMIT", 10),
		MaxListings:  integer("MAX_LISTINGS", 40),
		ResolveRPS:   integer("RESOLVE_RPS", 2),

		NavigationTimeout: duration("NAV_TIMEOUT", 45*time.Second),
		ControlTimeout:    duration("CONTROL_TIMEOUT", 30*time.Second),
		EventTimeout:      duration("EVENT_TIMEOUT", 20*time.Second),
		PollInterval:      duration("POLL_INTERVAL", 500*time.Millisecond),
		MaxRetries:        integer("MAX_RETRIES", 3),
		DownloadDeadline:  duration("DOWNLOAD_DEADLINE", 3*time.Minute),

		TelegramToken: strings.TrimSpace(getenv("TELEGRAM_TOKEN")),
	}
	if perr != nil {
		return nil, perr
	}

	switch cfg.StorageBackend {
	case BackendSQL:
		switch cfg.DBDriver {
		case DriverSQLite:
		case DriverPostgres:
			if cfg.DatabaseDSN == "" {
				return nil, fmt.Errorf("variable DB_DSN is required for DB_DRIVER=postgres")
			}
		default:
			return nil, fmt.Errorf("variable DB_DRIVER: unknown driver %q", cfg.DBDriver)
		}
	case BackendREST:
		if len(cfg.RESTURLs) == 0 {
			return nil, fmt.Errorf("variable REST_URLS is required for STORAGE_BACKEND=rest")
		}
	default:
		return nil, fmt.Errorf("variable STORAGE_BACKEND: unknown backend %q", cfg.StorageBackend)
	}

	if cfg.ResolveRPS == 0 {
		cfg.ResolveRPS = 1
	}
	return cfg, nil
}

func withDefault(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if filepath.IsAbs(p) {
		return p
	}

	if exe, err := os.Executable(); err == nil {
		base := filepath.Dir(exe)
		return filepath.Clean(filepath.Join(base, p))
	}

	if cwd, err := os.Getwd(); err == nil {
		return filepath.Clean(filepath.Join(cwd, p))
	}

	return p
}
