package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"bookrelay/internal/apperr"
)

const defaultPopupCloseBudget = 3 * time.Second

// ChromeLauncher starts a fresh Chrome process per session. A new exec
// allocator means a new temporary profile, so cookies and storage never
// leak between requests.
type ChromeLauncher struct{}

func NewChromeLauncher() *ChromeLauncher { return &ChromeLauncher{} }

func (l *ChromeLauncher) Open(ctx context.Context, opts Options) (Session, error) {
	if opts.WindowWidth == 0 || opts.WindowHeight == 0 {
		opts.WindowWidth, opts.WindowHeight = 1366, 900
	}
	if opts.PopupCloseBudget <= 0 {
		opts.PopupCloseBudget = defaultPopupCloseBudget
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	// The process outlives the caller's request context only through Close.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		opts:   opts,
		ctx:    browserCtx,
		cancel: func() { cancelBrowser(); cancelAlloc() },
	}
	s.handler = s.closePopup

	// First Run starts the process.
	if err := chromedp.Run(browserCtx); err != nil {
		s.cancel()
		return nil, apperr.Wrap(apperr.KindBrowserLaunch, "browser process did not start", err)
	}

	c := chromedp.FromContext(browserCtx)
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(browserCtx, c.Browser)); err != nil {
		s.cancel()
		return nil, apperr.Wrap(apperr.KindBrowserLaunch, "target discovery failed", err)
	}

	chromedp.ListenBrowser(browserCtx, s.onBrowserEvent)
	log.Printf("[Browser] session started headless=%v proxy=%q", opts.Headless, opts.ProxyServer)
	return s, nil
}

type chromeSession struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler func(Popup)
	pages   []*chromePage

	closeOnce sync.Once
}

func (s *chromeSession) onBrowserEvent(ev any) {
	created, ok := ev.(*target.EventTargetCreated)
	if !ok || created.TargetInfo == nil {
		return
	}
	info := created.TargetInfo
	// Tabs opened through NewPage have no opener; anything else that
	// appears as a page was spawned by site script.
	if info.Type != "page" || info.OpenerID == "" {
		return
	}

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	p := &chromePopup{id: info.TargetID, url: info.URL, session: s}
	log.Printf("[Browser] unexpected page opened: %s", info.URL)
	// Listener callbacks must not block the event loop.
	go handler(p)
}

func (s *chromeSession) closePopup(p Popup) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.PopupCloseBudget)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		log.Printf("[Browser] close popup %s: %v", p.URL(), err)
	}
}

func (s *chromeSession) OnUnexpectedPage(handler func(Popup)) {
	if handler == nil {
		handler = s.closePopup
	}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *chromeSession) NewPage(ctx context.Context) (Page, error) {
	pageCtx, cancel := chromedp.NewContext(s.ctx)
	// Creates the tab.
	if err := chromedp.Run(pageCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open page: %w", err)
	}

	p := &chromePage{ctx: pageCtx, cancel: cancel}

	if len(s.opts.BlockedURLPatterns) > 0 {
		if err := p.blockRequests(s.opts.BlockedURLPatterns); err != nil {
			log.Printf("[Browser] request blocking unavailable: %v", err)
		}
	}

	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	return p, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		pages := s.pages
		s.pages = nil
		s.mu.Unlock()

		for _, p := range pages {
			_ = p.Close()
		}
		s.cancel()
		log.Printf("[Browser] session closed")
	})
	return nil
}

type chromePopup struct {
	id      target.ID
	url     string
	session *chromeSession
}

func (p *chromePopup) URL() string { return p.url }

func (p *chromePopup) Close(ctx context.Context) error {
	c := chromedp.FromContext(p.session.ctx)
	if c == nil || c.Browser == nil {
		return errors.New("browser not running")
	}
	return cdp.Execute(cdp.WithExecutor(ctx, c.Browser), target.CommandCloseTarget, target.CloseTarget(p.id), nil)
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastURL string

	closeOnce sync.Once
}

// run executes actions on the page bounded by timeout and by the caller's ctx.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *chromePage) blockRequests(patterns []string) error {
	reqPatterns := make([]*fetch.RequestPattern, 0, len(patterns))
	for _, pattern := range patterns {
		reqPatterns = append(reqPatterns, &fetch.RequestPattern{URLPattern: pattern})
	}

	// Only requests matching a blocked pattern are paused, so every paused
	// request is failed.
	chromedp.ListenTarget(p.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			_ = chromedp.Run(p.ctx, fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient))
		}()
	})
	return chromedp.Run(p.ctx, fetch.Enable().WithPatterns(reqPatterns))
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	p.lastURL = url
	p.mu.Unlock()

	var errorText string
	err := p.run(ctx, timeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var res page.NavigateReturns
			if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
				return err
			}
			errorText = res.ErrorText
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if errorText != "" {
				return nil
			}
			return chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx)
		}),
	)
	switch {
	case errorText != "":
		return apperr.New(apperr.KindNavigationRefused, fmt.Sprintf("navigation to %s refused: %s", url, errorText))
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindNavigationTimeout, fmt.Sprintf("navigation to %s exceeded %s", url, timeout), err)
	case err != nil:
		return apperr.Wrap(apperr.KindNavigationRefused, "navigation to "+url+" failed", err)
	}
	return nil
}

func (p *chromePage) Reload(ctx context.Context, timeout time.Duration) error {
	return p.Navigate(ctx, p.URL(), timeout)
}

func (p *chromePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastURL
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, 15*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

func (p *chromePage) ControlState(ctx context.Context, control Control) (ControlState, error) {
	js, err := controlStateScript(control)
	if err != nil {
		return ControlState{}, err
	}
	var state ControlState
	if err := p.run(ctx, 5*time.Second, chromedp.Evaluate(js, &state)); err != nil {
		return ControlState{}, fmt.Errorf("read control %q: %w", control.Selector, err)
	}
	return state, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, 10*time.Second, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) ExpectDownload(ctx context.Context, dir string) (DownloadWaiter, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("download dir: %w", err)
	}

	err = p.run(ctx, 5*time.Second,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(absDir).
			WithEventsEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("enable downloads: %w", err)
	}

	lctx, cancel := context.WithCancel(p.ctx)
	w := &chromeDownloadWaiter{
		dir:      absDir,
		pageCtx:  p.ctx,
		cancel:   cancel,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	chromedp.ListenTarget(lctx, w.listen)
	return w, nil
}

func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// chromeDownloadWaiter follows the first download that begins after arming
// and ignores any other.
type chromeDownloadWaiter struct {
	dir     string
	pageCtx context.Context
	cancel  context.CancelFunc

	started  chan struct{}
	finished chan struct{}

	mu      sync.Mutex
	current *Download
	done    bool
	err     error
	cleaned bool
}

func (w *chromeDownloadWaiter) listen(ev any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		if w.current != nil {
			return
		}
		w.current = &Download{
			GUID:              e.GUID,
			URL:               e.URL,
			SuggestedFilename: e.SuggestedFilename,
			Path:              filepath.Join(w.dir, e.GUID),
		}
		log.Printf("[Browser] download started: %s (%s)", e.SuggestedFilename, e.URL)
		close(w.started)
	case *cdpbrowser.EventDownloadProgress:
		if w.current == nil || w.done || e.GUID != w.current.GUID {
			return
		}
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			w.done = true
			close(w.finished)
		case cdpbrowser.DownloadProgressStateCanceled:
			w.done = true
			w.err = downloadCanceledError{guid: e.GUID}
			close(w.finished)
		}
	}
}

func (w *chromeDownloadWaiter) Wait(ctx context.Context) (Download, error) {
	select {
	case <-w.started:
		w.mu.Lock()
		defer w.mu.Unlock()
		return *w.current, nil
	case <-ctx.Done():
		return Download{}, ctx.Err()
	}
}

func (w *chromeDownloadWaiter) Complete(ctx context.Context) (Download, error) {
	select {
	case <-w.finished:
		w.mu.Lock()
		defer w.mu.Unlock()
		return *w.current, w.err
	case <-ctx.Done():
		return Download{}, ctx.Err()
	}
}

func (w *chromeDownloadWaiter) Cancel() {
	w.cancel()

	w.mu.Lock()
	dl := w.current
	inFlight := dl != nil && !w.done
	cleaned := w.cleaned
	w.cleaned = true
	w.mu.Unlock()
	if dl == nil || cleaned {
		return
	}

	if inFlight {
		ctx, cancel := context.WithTimeout(w.pageCtx, 5*time.Second)
		defer cancel()
		if err := chromedp.Run(ctx, cdpbrowser.CancelDownload(dl.GUID)); err != nil {
			log.Printf("[Browser] cancel download %s: %v", dl.GUID, err)
		}
	}
	// A completed download has normally been moved away already.
	if err := os.Remove(dl.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Browser] remove partial download %s: %v", dl.Path, err)
	}
}

func controlStateScript(control Control) (string, error) {
	sel, err := json.Marshal(control.Selector)
	if err != nil {
		return "", err
	}
	container, err := json.Marshal(control.Container)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	const container = %s;
	if (!el) return {found: false, visible: false, enabled: false, inContainer: false};
	const rect = el.getBoundingClientRect();
	const style = window.getComputedStyle(el);
	const visible = rect.width > 0 && rect.height > 0 && style.visibility !== "hidden" && style.display !== "none" && style.opacity !== "0";
	const enabled = !el.disabled && el.getAttribute("aria-disabled") !== "true" && !el.classList.contains("disabled");
	const inContainer = container === "" ? true : el.closest(container) !== null;
	return {found: true, visible: visible, enabled: enabled, inContainer: inContainer};
})()`, sel, container), nil
}
