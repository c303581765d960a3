package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bookrelay/internal/apperr"
	"bookrelay/internal/ingest"
	"bookrelay/internal/models"
	"bookrelay/internal/storage"
)

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error)
}

type Ingester interface {
	Ingest(ctx context.Context, req models.IngestRequest) (models.IngestResult, error)
}

type Bot struct {
	bot      *tgbotapi.BotAPI
	searcher Searcher
	ingester Ingester
	library  ingest.Library

	// Search and ingest run a real browser; one request per update is plenty.
	requestTimeout time.Duration

	sessionsMu sync.Mutex
	sessions   map[int64]*searchSession
	sources    map[int64]models.SourceID
}

type searchSession struct {
	query    string
	source   models.SourceID
	books    []models.ResolvedBook
	page     int
	pageSize int
}

const (
	defaultPageSize = 10
	// The searcher caps a page at 50; the bot pages locally over that window.
	searchWindow = 50

	cbBookPrefix = "book:"
	cbPagePrefix = "page:"
)

func NewBot(token string, searcher Searcher, ingester Ingester, library ingest.Library, requestTimeout time.Duration) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	bot.Debug = false
	log.Printf("[Telegram] authorized as %s", bot.Self.UserName)

	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	return &Bot{
		bot:            bot,
		searcher:       searcher,
		ingester:       ingester,
		library:        library,
		requestTimeout: requestTimeout,
		sessions:       make(map[int64]*searchSession),
		sources:        make(map[int64]models.SourceID),
	}, nil
}

// Start consumes updates until ctx is canceled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			b.sendMessage(chatID, "Send a book title and I will look it up.\nUse /source primary or /source secondary to switch catalogs.")
		case "source":
			source, ok := parseSource(msg.CommandArguments())
			if !ok {
				b.sendMessage(chatID, "Unknown source. Use /source primary or /source secondary.")
				return
			}
			b.setSource(chatID, source)
			b.sendMessage(chatID, "Searching the "+string(source)+" catalog from now on.")
		default:
			b.sendMessage(chatID, "Unknown command.")
		}
		return
	}

	query := strings.TrimSpace(msg.Text)
	if query == "" {
		return
	}
	source := b.source(chatID)
	b.sendMessage(chatID, "🔎 Searching: "+query+"...")

	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	result, err := b.searcher.Search(reqCtx, models.SearchRequest{Query: query, Source: source, Page: 1, Limit: searchWindow})
	if err != nil {
		b.sendMessage(chatID, "❌ Search failed.")
		log.Printf("[Telegram] search %q: %v", query, err)
		return
	}
	if len(result.Books) == 0 {
		text := "😔 Nothing found."
		if result.Message != "" {
			text += " (" + result.Message + ")"
		}
		b.sendMessage(chatID, text)
		return
	}

	b.storeSession(chatID, &searchSession{query: query, source: source, books: result.Books, pageSize: defaultPageSize})
	b.sendBooksPage(chatID, 0)
}

func parseSource(arg string) (models.SourceID, bool) {
	switch models.SourceID(strings.ToLower(strings.TrimSpace(arg))) {
	case models.SourcePrimary:
		return models.SourcePrimary, true
	case models.SourceSecondary:
		return models.SourceSecondary, true
	}
	return "", false
}

func (b *Bot) setSource(chatID int64, source models.SourceID) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	b.sources[chatID] = source
}

func (b *Bot) source(chatID int64) models.SourceID {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	if s, ok := b.sources[chatID]; ok {
		return s
	}
	return models.SourcePrimary
}

func (b *Bot) storeSession(chatID int64, session *searchSession) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	b.sessions[chatID] = session
}

func (b *Bot) getSession(chatID int64) (*searchSession, bool) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	session, ok := b.sessions[chatID]
	return session, ok
}

func clampPage(page, totalPages int) int {
	if totalPages <= 0 {
		return 0
	}
	if page < 0 {
		return 0
	}
	if page >= totalPages {
		return totalPages - 1
	}
	return page
}

// bookAt returns the session book behind a "book:<index>" callback.
func (s *searchSession) bookAt(data string) (models.ResolvedBook, bool) {
	idx, err := strconv.Atoi(strings.TrimPrefix(data, cbBookPrefix))
	if err != nil || idx < 0 || idx >= len(s.books) {
		return models.ResolvedBook{}, false
	}
	return s.books[idx], true
}

// renderPage builds the text and keyboard for a zero-based page and returns
// the page actually shown.
func renderPage(s *searchSession, page int) (string, tgbotapi.InlineKeyboardMarkup, int) {
	total := len(s.books)
	pages := models.TotalPages(total, s.pageSize)
	page = clampPage(page, pages)

	start := page * s.pageSize
	end := start + s.pageSize
	if end > total {
		end = total
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for i := start; i < end; i++ {
		book := s.books[i]
		text := fmt.Sprintf("%s - %s [%s]", book.Title, book.Author, book.Format)
		btn := tgbotapi.NewInlineKeyboardButtonData(text, cbBookPrefix+strconv.Itoa(i))
		rows = append(rows, []tgbotapi.InlineKeyboardButton{btn})
	}

	if pages > 1 {
		var navRow []tgbotapi.InlineKeyboardButton
		if page > 0 {
			navRow = append(navRow, tgbotapi.NewInlineKeyboardButtonData("⬅️", fmt.Sprintf("%s%d", cbPagePrefix, page-1)))
		}
		navRow = append(navRow, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("• %d/%d •", page+1, pages),
			fmt.Sprintf("%s%d", cbPagePrefix, page),
		))
		if page < pages-1 {
			navRow = append(navRow, tgbotapi.NewInlineKeyboardButtonData("➡️", fmt.Sprintf("%s%d", cbPagePrefix, page+1)))
		}
		rows = append(rows, navRow)
	}

	text := fmt.Sprintf("📚 %q in %s: %d books\nPage %d/%d", s.query, s.source, total, page+1, pages)
	return text, tgbotapi.NewInlineKeyboardMarkup(rows...), page
}

func (b *Bot) buildPage(chatID int64, page int) (string, tgbotapi.InlineKeyboardMarkup, bool) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	session, ok := b.sessions[chatID]
	if !ok || len(session.books) == 0 {
		return "", tgbotapi.InlineKeyboardMarkup{}, false
	}
	text, markup, shown := renderPage(session, page)
	session.page = shown
	return text, markup, true
}

func (b *Bot) sendBooksPage(chatID int64, page int) {
	text, markup, ok := b.buildPage(chatID, page)
	if !ok {
		b.sendMessage(chatID, "⚠️ These results have expired. Send the query again.")
		return
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	if _, err := b.bot.Send(msg); err != nil {
		log.Printf("[Telegram] send page: %v", err)
	}
}

func (b *Bot) editBooksPage(chatID int64, messageID int, page int) {
	text, markup, ok := b.buildPage(chatID, page)
	if !ok {
		b.sendMessage(chatID, "⚠️ These results have expired. Send the query again.")
		return
	}

	editText := tgbotapi.NewEditMessageText(chatID, messageID, text)
	editText.ReplyMarkup = &markup
	if _, err := b.bot.Send(editText); err != nil {
		log.Printf("[Telegram] edit message: %v", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	data := cb.Data

	switch {
	case strings.HasPrefix(data, cbPagePrefix):
		b.answer(cb.ID, "Turning the page…")
		page, err := strconv.Atoi(strings.TrimPrefix(data, cbPagePrefix))
		if err != nil {
			log.Printf("[Telegram] invalid page callback %q", data)
			return
		}
		b.editBooksPage(chatID, cb.Message.MessageID, page)

	case strings.HasPrefix(data, cbBookPrefix):
		session, ok := b.getSession(chatID)
		if !ok {
			b.answer(cb.ID, "Results expired")
			return
		}
		book, ok := session.bookAt(data)
		if !ok {
			b.answer(cb.ID, "Unknown book")
			return
		}
		b.answer(cb.ID, "Downloading… ⏳")
		b.ingestAndSend(ctx, chatID, book)
	}
}

func (b *Bot) answer(callbackID string, text string) {
	if _, err := b.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.Printf("[Telegram] answer callback: %v", err)
	}
}

func (b *Bot) ingestAndSend(ctx context.Context, chatID int64, book models.ResolvedBook) {
	loadingMsg, errLoading := b.bot.Send(tgbotapi.NewMessage(chatID, "⏳ Fetching the file... this can take a minute."))
	deleteLoadingMsg := func() {
		if errLoading == nil && loadingMsg.MessageID != 0 {
			if _, err := b.bot.Request(tgbotapi.NewDeleteMessage(chatID, loadingMsg.MessageID)); err != nil {
				log.Printf("[Telegram] delete loading message: %v", err)
			}
		}
	}
	defer deleteLoadingMsg()

	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	result, err := b.ingester.Ingest(reqCtx, requestFor(book))
	if err != nil {
		b.sendMessage(chatID, "❌ "+failureText(err))
		log.Printf("[Telegram] ingest %s: %v", book.DownloadURL, err)
		return
	}

	stored, err := b.library.Get(reqCtx, result.ID)
	if err != nil {
		b.sendMessage(chatID, "❌ The book was stored but could not be read back.")
		log.Printf("[Telegram] get %s: %v", result.ID, err)
		return
	}
	rc, err := b.library.OpenObject(reqCtx, stored.StoragePath)
	if err != nil {
		b.sendMessage(chatID, "❌ The book was stored but could not be read back.")
		log.Printf("[Telegram] open %s: %v", stored.StoragePath, err)
		return
	}
	defer rc.Close()

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: documentName(stored), Reader: rc})
	doc.Caption = fmt.Sprintf("📖 %s\n✍️ %s", stored.Title, stored.Author)
	if _, err := b.bot.Send(doc); err != nil {
		b.sendMessage(chatID, fmt.Sprintf("❌ Telegram rejected the file: %v", err))
		log.Printf("[Telegram] send document: %v", err)
	}
}

func requestFor(book models.ResolvedBook) models.IngestRequest {
	return models.IngestRequest{
		URL:      book.DownloadURL,
		Title:    book.Title,
		Author:   book.Author,
		Format:   book.Format,
		Category: book.Category,
		CoverURL: book.CoverImageURL,
		Source:   book.SourceID,
	}
}

func documentName(book models.PersistedBook) string {
	ext := strings.ToLower(strings.TrimSpace(book.Format))
	if ext == "" {
		ext = "pdf"
	}
	return storage.SanitizeFilename(book.Title) + "." + ext
}

func failureText(err error) string {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return "Download failed."
	}
	switch ae.Kind {
	case apperr.KindInvalidInput:
		return "This link cannot be downloaded."
	case apperr.KindBrowserLaunch:
		return "The downloader is unavailable right now."
	case apperr.KindDeadlineExceeded, apperr.KindNavigationTimeout:
		return "The mirror took too long to respond."
	case apperr.KindEmptyDownload:
		return "The mirror returned an empty file."
	}
	return "Download failed: " + ae.Message
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("[Telegram] send message: %v", err)
	}
}
