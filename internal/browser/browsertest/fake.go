// Package browsertest provides an in-memory browser.Launcher for tests: pages
// are served from a map, control readiness and click outcomes are scripted,
// and opens/closes/clicks are counted.
package browsertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bookrelay/internal/apperr"
	"bookrelay/internal/browser"
)

// ClickOutcome is what the site does in response to the n-th click.
type ClickOutcome struct {
	// Popups is the number of unexpected pages the click spawns.
	Popups int
	// Download, when non-nil, is written as the downloaded file. An empty
	// non-nil slice produces a zero-byte download.
	Download []byte
	Filename string
	// CompleteAfter delays completion: the download starts at once and a
	// partial file sits in the download dir until then.
	CompleteAfter time.Duration
	// Stall starts the download and never finishes it.
	Stall bool
}

// Site scripts the remote side.
type Site struct {
	mu sync.Mutex

	Pages     map[string]string
	NavErrors map[string]error

	// ControlState returns the state for the n-th poll (1-based) within
	// the current page load. Nil means always ready.
	ControlState func(poll int) browser.ControlState
	// Click returns the outcome of the n-th click (1-based) across the session.
	Click func(n int) ClickOutcome
}

func (s *Site) page(url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.NavErrors[url]; ok {
		return "", err
	}
	html, ok := s.Pages[url]
	if !ok {
		return "", apperr.New(apperr.KindNavigationRefused, "no fixture for "+url)
	}
	return html, nil
}

// Launcher counts sessions it opened and closed.
type Launcher struct {
	Site    *Site
	OpenErr error

	mu       sync.Mutex
	sessions []*Session
}

func NewLauncher(site *Site) *Launcher {
	if site == nil {
		site = &Site{}
	}
	return &Launcher{Site: site}
}

func (l *Launcher) Open(_ context.Context, opts browser.Options) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}
	s := &Session{site: l.Site, opts: opts}
	l.sessions = append(l.sessions, s)
	return s, nil
}

// Opens is the number of successful Open calls.
func (l *Launcher) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Closes is the number of sessions that have been closed.
func (l *Launcher) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sessions {
		if s.Closed() {
			n++
		}
	}
	return n
}

func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

type Session struct {
	site *Site
	opts browser.Options

	mu         sync.Mutex
	handler    func(browser.Popup)
	pages      []*Page
	popups     []*Popup
	clicks     int
	closeCalls int
}

func (s *Session) NewPage(context.Context) (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return nil, fmt.Errorf("session closed")
	}
	p := &Page{session: s}
	s.pages = append(s.pages, p)
	return p, nil
}

func (s *Session) OnUnexpectedPage(handler func(browser.Popup)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	for _, p := range s.pages {
		p.markClosed()
	}
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}

func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *Session) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

func (s *Session) Popups() []*Popup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Popup(nil), s.popups...)
}

func (s *Session) spawnPopup(n int) {
	s.mu.Lock()
	handler := s.handler
	var spawned []*Popup
	for i := 0; i < n; i++ {
		p := &Popup{url: fmt.Sprintf("https://ads.example/popup-%d", len(s.popups)+1)}
		s.popups = append(s.popups, p)
		spawned = append(spawned, p)
	}
	s.mu.Unlock()

	for _, p := range spawned {
		if handler != nil {
			handler(p)
		} else {
			_ = p.Close(context.Background())
		}
	}
}

func (s *Session) nextClick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks++
	return s.clicks
}

type Popup struct {
	url string

	mu     sync.Mutex
	closed bool
	clicks int
}

func (p *Popup) URL() string { return p.url }

func (p *Popup) Close(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Popup) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Clicks is always zero: popups never receive the session's clicks.
func (p *Popup) Clicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks
}

type Page struct {
	session *Session

	mu          sync.Mutex
	url         string
	html        string
	navigations []string
	polls       int
	clicks      int
	closed      bool
	waiter      *waiter
}

func (p *Page) Navigate(ctx context.Context, url string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindNavigationTimeout, "navigation canceled", err)
	}
	html, err := p.session.site.page(url)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.navigations = append(p.navigations, url)
	p.polls = 0
	if err != nil {
		return err
	}
	p.html = html
	return nil
}

func (p *Page) Reload(ctx context.Context, timeout time.Duration) error {
	return p.Navigate(ctx, p.URL(), timeout)
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *Page) ControlState(ctx context.Context, _ browser.Control) (browser.ControlState, error) {
	if err := ctx.Err(); err != nil {
		return browser.ControlState{}, err
	}
	p.mu.Lock()
	p.polls++
	poll := p.polls
	p.mu.Unlock()

	if p.session.site.ControlState == nil {
		return browser.ControlState{Found: true, Visible: true, Enabled: true, InContainer: true}, nil
	}
	return p.session.site.ControlState(poll), nil
}

func (p *Page) Click(_ context.Context, _ string) error {
	p.mu.Lock()
	p.clicks++
	w := p.waiter
	p.mu.Unlock()

	n := p.session.nextClick()
	var outcome ClickOutcome
	if p.session.site.Click != nil {
		outcome = p.session.site.Click(n)
	}

	if outcome.Popups > 0 {
		p.session.spawnPopup(outcome.Popups)
	}
	if (outcome.Download != nil || outcome.Stall) && w != nil {
		w.deliver(outcome)
	}
	return nil
}

func (p *Page) ExpectDownload(_ context.Context, dir string) (browser.DownloadWaiter, error) {
	w := &waiter{dir: dir, page: p, started: make(chan struct{}), finished: make(chan struct{})}
	p.mu.Lock()
	p.waiter = w
	p.mu.Unlock()
	return w, nil
}

func (p *Page) Close() error {
	p.markClosed()
	return nil
}

func (p *Page) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Clicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

type waiter struct {
	dir  string
	page *Page

	started  chan struct{}
	finished chan struct{}

	mu       sync.Mutex
	dl       *browser.Download
	canceled bool
}

func (w *waiter) deliver(outcome ClickOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dl != nil || w.canceled {
		return
	}

	name := outcome.Filename
	if name == "" {
		name = "book.pdf"
	}
	guid := fmt.Sprintf("guid-%d", time.Now().UnixNano())
	dl := browser.Download{GUID: guid, URL: "https://mirror.example/get/" + name, SuggestedFilename: name, Path: filepath.Join(w.dir, guid)}

	slow := outcome.Stall || outcome.CompleteAfter > 0
	initial := outcome.Download
	if slow {
		initial = []byte("partial")
	}
	if err := os.WriteFile(dl.Path, initial, 0o644); err != nil {
		return
	}
	w.dl = &dl
	close(w.started)

	switch {
	case outcome.Stall:
	case outcome.CompleteAfter > 0:
		time.AfterFunc(outcome.CompleteAfter, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.canceled {
				return
			}
			if err := os.WriteFile(dl.Path, outcome.Download, 0o644); err == nil {
				close(w.finished)
			}
		})
	default:
		close(w.finished)
	}
}

func (w *waiter) download() browser.Download {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.dl
}

func (w *waiter) Wait(ctx context.Context) (browser.Download, error) {
	select {
	case <-w.started:
		return w.download(), nil
	case <-ctx.Done():
		return browser.Download{}, ctx.Err()
	}
}

func (w *waiter) Complete(ctx context.Context) (browser.Download, error) {
	select {
	case <-w.finished:
		return w.download(), nil
	case <-ctx.Done():
		return browser.Download{}, ctx.Err()
	}
}

// Cancel removes the download's file like the real browser layer does.
func (w *waiter) Cancel() {
	w.mu.Lock()
	w.canceled = true
	if w.dl != nil {
		_ = os.Remove(w.dl.Path)
	}
	w.mu.Unlock()

	w.page.mu.Lock()
	if w.page.waiter == w {
		w.page.waiter = nil
	}
	w.page.mu.Unlock()
}
