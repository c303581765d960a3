package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bookrelay/internal/browser"
	"bookrelay/internal/config"
	"bookrelay/internal/db"
	"bookrelay/internal/download"
	"bookrelay/internal/httpapi"
	"bookrelay/internal/ingest"
	"bookrelay/internal/network"
	"bookrelay/internal/parser"
	"bookrelay/internal/rest"
	"bookrelay/internal/service"
	"bookrelay/internal/storage"
	"bookrelay/internal/telegram"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Println("=== BOOK RELAY STARTING ===")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Outbound HTTP (optionally through SOCKS5)
	client, err := network.NewClient(cfg.ProxyAddr)
	if err != nil {
		log.Fatalf("network: %v", err)
	}

	// 3. Browser, catalogs, search and download
	launcher := browser.NewChromeLauncher()
	browserOpts := browser.Options{
		UserAgent:          cfg.UserAgent,
		Headless:           cfg.Headless,
		ProxyServer:        cfg.BrowserProxy,
		BlockedURLPatterns: browser.DefaultBlockedPatterns,
	}
	sources := parser.NewRegistry(
		parser.NewPrimaryCatalog(cfg.PrimaryBaseURL),
		parser.NewSecondaryArchive(cfg.SecondaryBaseURL),
	)
	searcher := service.NewSearcher(launcher, sources, service.SearchConfig{
		Browser:           browserOpts,
		NavigationTimeout: cfg.NavigationTimeout,
		MaxListings:       cfg.MaxListings,
		ResolveLimit:      cfg.ResolveLimit,
		ResolveRPS:        cfg.ResolveRPS,
	})
	coordinator := download.NewCoordinator(download.Config{
		Dir:               cfg.DownloadDir,
		NavigationTimeout: cfg.NavigationTimeout,
		PollInterval:      cfg.PollInterval,
		ControlTimeout:    cfg.ControlTimeout,
		EventTimeout:      cfg.EventTimeout,
		MaxRetries:        cfg.MaxRetries,
		Deadline:          cfg.DownloadDeadline,
	})

	// 4. Library backend
	library, filesDir, closeLibrary := openLibrary(ctx, cfg, client)
	defer closeLibrary()

	pipeline := ingest.NewPipeline(library, launcher, coordinator, sources, browserOpts)

	// 5. HTTP API
	api := httpapi.New(httpapi.Options{
		Searcher: searcher,
		Ingester: pipeline,
		Library:  library,
		Relay:    service.NewRelay(client),
		FilesDir: filesDir,
		Backend:  cfg.StorageBackend,
		BotToken: cfg.TelegramToken,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	// 6. Telegram bot (optional)
	if cfg.TelegramToken != "" {
		bot, err := telegram.NewBot(cfg.TelegramToken, searcher, pipeline, library, cfg.DownloadDeadline+2*time.Minute)
		if err != nil {
			log.Printf("telegram: bot disabled: %v", err)
		} else {
			go bot.Start(ctx)
			log.Println("Telegram bot started")
		}
	}

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http: shutdown: %v", err)
	}
}

// openLibrary picks the configured backend. filesDir is non-empty only when
// this process serves the stored files itself.
func openLibrary(ctx context.Context, cfg *config.Config, client *http.Client) (ingest.Library, string, func()) {
	switch cfg.StorageBackend {
	case config.BackendREST:
		resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		conn, err := network.ResolveConnection(resolveCtx, client, cfg.RESTURLs, cfg.RESTAPIKey)
		if err != nil {
			log.Fatalf("rest: %v", err)
		}
		log.Printf("REST backend: %s bucket=%s", conn.BaseURL, cfg.RESTBucket)
		return rest.New(conn, client, cfg.RESTBucket), "", func() {}

	default:
		files, err := storage.NewDisk(cfg.StorageDir, cfg.PublicBaseURL, 0)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		dsn := cfg.SQLitePath
		if cfg.DBDriver == config.DriverPostgres {
			dsn = cfg.DatabaseDSN
		}
		store, err := db.Open(cfg.DBDriver, dsn, files)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		log.Printf("SQL backend: driver=%s storage=%s", cfg.DBDriver, cfg.StorageDir)
		return store, files.Dir, func() {
			if err := store.Close(); err != nil {
				log.Printf("db: close: %v", err)
			}
		}
	}
}
