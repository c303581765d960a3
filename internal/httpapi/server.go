package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookrelay/internal/apperr"
	"bookrelay/internal/ingest"
	"bookrelay/internal/models"
	"bookrelay/internal/service"
	"bookrelay/internal/storage"
)

const (
	maxIngestBody     = 64 << 10
	healthPingTimeout = 2 * time.Second
)

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error)
}

type Ingester interface {
	Ingest(ctx context.Context, req models.IngestRequest) (models.IngestResult, error)
}

type Options struct {
	Searcher Searcher
	Ingester Ingester
	Library  ingest.Library
	Relay    *service.Relay
	// FilesDir is served under /files/ when set (SQL backend).
	FilesDir string
	Backend  string
	// BotToken enables initData auth on mutating endpoints.
	BotToken string
}

type Server struct {
	opts Options
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses streaming through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func New(opts Options) *Server {
	if opts.Relay == nil {
		opts.Relay = service.NewRelay(nil)
	}
	return &Server{opts: opts}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/books", s.handleBooks)
	mux.HandleFunc("DELETE /api/books/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/books/{id}/content", s.handleContent)
	mux.HandleFunc("GET /api/cover", s.handleCover)
	if s.opts.FilesDir != "" {
		mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(s.opts.FilesDir))))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		withCORS(mux).ServeHTTP(rec, r)
		log.Printf("http %s %s -> %d ua=%s", r.Method, r.URL.Path, rec.status, r.UserAgent())
	})
}

// withCORS opens /api/ to any origin and answers preflights.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Telegram-InitData")
			h.Set("Access-Control-Max-Age", "86400")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Pinger is implemented by libraries that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.opts.Library.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.Printf("health: library ping: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "backend": s.opts.Backend, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "backend": s.opts.Backend})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := models.SearchRequest{
		Query:  q.Get("q"),
		Source: models.SourceID(strings.ToLower(strings.TrimSpace(q.Get("source")))),
		Page:   atoiDefault(q.Get("page"), 1),
		Limit:  atoiDefault(q.Get("limit"), 10),
	}

	result, err := s.opts.Searcher.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, user TelegramUser) {
		var req models.IngestRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&req); err != nil {
			writeError(w, apperr.Wrap(apperr.KindInvalidInput, "invalid json body", err))
			return
		}
		if user.ID != 0 {
			log.Printf("ingest: user_id=%d url=%s", user.ID, req.URL)
		}

		result, err := s.opts.Ingester.Ingest(ctx, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.opts.Library.List(r.Context(), atoiDefault(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, _ TelegramUser) {
		id := r.PathValue("id")
		if err := s.opts.Library.DeleteRecord(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
	})
}

// handleContent streams a stored book through the server.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	book, err := s.opts.Library.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := s.opts.Library.OpenObject(r.Context(), book.StoragePath)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	text := setContentType(w, book.Format)
	disposition := "attachment"
	if text {
		disposition = "inline"
	}
	filename := storage.SanitizeFilename(book.Title) + "." + strings.ToLower(book.Format)
	w.Header().Set("Content-Disposition", disposition+`; filename="`+filename+`"`)
	if book.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(book.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("content: stream %s: %v", book.ID, err)
	}
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	u, err := url.Parse(target)
	if target == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, apperr.New(apperr.KindInvalidInput, "url must be an absolute http(s) url"))
		return
	}

	file, err := s.opts.Relay.Open(r.Context(), target, "cover.jpg")
	if err != nil {
		log.Printf("cover: %v", err)
		writeJSON(w, http.StatusBadGateway, errorBody(string(apperr.KindNotFound), "cover could not be fetched", err.Error()))
		return
	}
	defer file.Body.Close()

	contentType := file.ContentType
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file.Body)
}

// withUser enforces initData auth when a bot token is configured.
func (s *Server) withUser(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, user TelegramUser)) {
	if s.opts.BotToken == "" {
		fn(r.Context(), TelegramUser{})
		return
	}

	initData := extractInitData(r)
	if initData == "" {
		log.Printf("auth: initData missing remote=%s ua=%s", r.RemoteAddr, r.UserAgent())
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "initData required", ""))
		return
	}

	user, err := ValidateInitData(initData, s.opts.BotToken)
	if err != nil {
		log.Printf("auth: initData invalid len=%d remote=%s err=%v", len(initData), r.RemoteAddr, err)
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "invalid initData", ""))
		return
	}

	log.Printf("auth: ok user_id=%d username=%s", user.ID, user.Username)
	fn(r.Context(), user)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorBody(kind, message, detail string) map[string]any {
	e := map[string]string{"kind": kind, "message": message}
	if detail != "" {
		e["detail"] = detail
	}
	return map[string]any{"success": false, "error": e}
}

// writeError renders the structured error shape with a status derived from its kind.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody(string(apperr.KindNotFound), "book not found", ""))
		return
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		log.Printf("http: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal error", err.Error()))
		return
	}
	writeJSON(w, statusFor(ae.Kind), errorBody(string(ae.Kind), ae.Message, ae.Detail()))
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBrowserLaunch, apperr.KindDedupCheck:
		return http.StatusServiceUnavailable
	case apperr.KindNavigationTimeout, apperr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case apperr.KindNavigationRefused, apperr.KindControlTimeout, apperr.KindEventTimeout,
		apperr.KindPopupInterference, apperr.KindEmptyDownload, apperr.KindExtraction:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// setContentType classifies a book format and reports whether it is text.
func setContentType(w http.ResponseWriter, format string) bool {
	format = strings.ToLower(strings.TrimSpace(format))
	ct, text := "application/octet-stream", false
	switch format {
	case "pdf":
		ct = "application/pdf"
	case "epub":
		ct = "application/epub+zip"
	case "mobi":
		ct = "application/x-mobipocket-ebook"
	case "azw", "azw3":
		ct = "application/vnd.amazon.ebook"
	case "doc":
		ct = "application/msword"
	case "docx":
		ct = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "djvu":
		ct = "image/vnd.djvu"
	case "fb2":
		ct = "application/xml"
	case "txt":
		ct, text = "text/plain; charset=utf-8", true
	case "html", "htm":
		ct, text = "text/html; charset=utf-8", true
	}
	w.Header().Set("Content-Type", ct)
	return text
}

func atoiDefault(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func extractInitData(r *http.Request) string {
	if v := r.Header.Get("X-Telegram-InitData"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Telegram-Web-App-Data"); v != "" {
		return v
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "tma ") {
			return strings.TrimSpace(auth[4:])
		}
	}

	// Query fallback for debugging from a plain browser.
	if v := r.URL.Query().Get("initData"); v != "" {
		return v
	}
	return r.URL.Query().Get("tgWebAppData")
}
