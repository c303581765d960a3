// Package browser owns headless Chrome. Everything chromedp-specific lives
// here so that the extraction, download and ingest code only sees the
// Launcher/Session/Page interfaces.
package browser

import (
	"context"
	"time"
)

// Options configures one browser process and its context.
type Options struct {
	UserAgent    string
	Headless     bool
	ProxyServer  string
	WindowWidth  int
	WindowHeight int

	// PopupCloseBudget bounds how long closing an unexpected page may take.
	PopupCloseBudget time.Duration

	// BlockedURLPatterns are failed at the request-interception layer.
	BlockedURLPatterns []string
}

// DefaultBlockedPatterns cover the ad and tracking networks the catalog and
// mirror pages pull popups from.
var DefaultBlockedPatterns = []string{
	"*doubleclick.net*",
	"*googlesyndication.com*",
	"*googletagmanager.com*",
	"*google-analytics.com*",
	"*adservice.google.*",
	"*popads.net*",
	"*popcash.net*",
	"*propellerads.com*",
	"*adsterra.com*",
	"*exoclick.com*",
	"*onclickads.net*",
	"*juicyads.com*",
	"*hilltopads.net*",
	"*mgid.com*",
}

// Launcher starts browser sessions. Every call to Open is paired with
// exactly one Session.Close by the caller.
type Launcher interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// Session is one browser process with one isolated context (cookies,
// storage, viewport).
type Session interface {
	NewPage(ctx context.Context) (Page, error)

	// OnUnexpectedPage replaces the handler for pages the session did not
	// request (popups, ad tabs). The default handler closes them.
	OnUnexpectedPage(handler func(Popup))

	// Close releases every page and the process. Safe to call repeatedly.
	Close() error
}

// Popup is a page opened as a side effect of another page.
type Popup interface {
	URL() string
	Close(ctx context.Context) error
}

// Page is a navigable tab scoped to a session.
type Page interface {
	// Navigate waits for DOM-ready, not for the full load event.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Reload(ctx context.Context, timeout time.Duration) error
	URL() string
	HTML(ctx context.Context) (string, error)

	ControlState(ctx context.Context, control Control) (ControlState, error)
	Click(ctx context.Context, selector string) error

	// ExpectDownload arms the download-started listener. Arm before the
	// click that triggers the download.
	ExpectDownload(ctx context.Context, dir string) (DownloadWaiter, error)

	Close() error
}

// Control describes a trigger element and the container whose presence
// signals that the site's own unlock logic has run.
type Control struct {
	Selector  string
	Container string
}

type ControlState struct {
	Found       bool `json:"found"`
	Visible     bool `json:"visible"`
	Enabled     bool `json:"enabled"`
	InContainer bool `json:"inContainer"`
}

// Ready is true only when the control can be clicked with effect.
func (s ControlState) Ready() bool {
	return s.Found && s.Visible && s.Enabled && s.InContainer
}

// Download is a finished browser download on disk.
type Download struct {
	GUID              string
	URL               string
	SuggestedFilename string
	Path              string
}

// DownloadWaiter follows the download started by the armed page.
type DownloadWaiter interface {
	// Wait blocks until the download starts or ctx ends. The returned
	// Download names the file the browser is writing; it is not complete.
	Wait(ctx context.Context) (Download, error)
	// Complete blocks until the started download is fully on disk, the
	// browser cancels it, or ctx ends.
	Complete(ctx context.Context) (Download, error)
	// Cancel disarms the listener, cancels an unfinished transfer and
	// removes whatever is left at the download's path.
	Cancel()
}

// downloadCanceledError is returned by Wait when the browser canceled the download.
type downloadCanceledError struct{ guid string }

func (e downloadCanceledError) Error() string { return "download canceled by browser: " + e.guid }

// IsDownloadCanceled reports whether err is a browser-side download cancellation.
func IsDownloadCanceled(err error) bool {
	_, ok := err.(downloadCanceledError)
	return ok
}
