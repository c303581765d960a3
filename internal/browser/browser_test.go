package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
)

func TestControlStateReady(t *testing.T) {
	ready := ControlState{Found: true, Visible: true, Enabled: true, InContainer: true}
	if !ready.Ready() {
		t.Fatal("expected ready control")
	}

	cases := []ControlState{
		{Found: true, Visible: true, Enabled: true},
		{Found: true, Visible: false, Enabled: true, InContainer: true},
		{Found: true, Visible: true, Enabled: false, InContainer: true},
		{},
	}
	for _, c := range cases {
		if c.Ready() {
			t.Fatalf("control %+v must not be ready", c)
		}
	}
}

func TestControlStateScriptQuotesSelectors(t *testing.T) {
	js, err := controlStateScript(Control{Selector: `a[href*="get.php"]`, Container: "#download.ready"})
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if !strings.Contains(js, `document.querySelector("a[href*=\"get.php\"]")`) {
		t.Fatalf("selector not JSON-quoted:\n%s", js)
	}
	if !strings.Contains(js, `const container = "#download.ready";`) {
		t.Fatalf("container not JSON-quoted:\n%s", js)
	}
}

func TestIsDownloadCanceled(t *testing.T) {
	if !IsDownloadCanceled(downloadCanceledError{guid: "x"}) {
		t.Fatal("expected canceled error to be recognized")
	}
	if IsDownloadCanceled(nil) {
		t.Fatal("nil is not a cancellation")
	}
}

func newTestWaiter(t *testing.T) *chromeDownloadWaiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &chromeDownloadWaiter{
		dir:      t.TempDir(),
		pageCtx:  ctx,
		cancel:   cancel,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func TestDownloadWaiterStartEndsWait(t *testing.T) {
	w := newTestWaiter(t)
	w.listen(&cdpbrowser.EventDownloadWillBegin{GUID: "g1", URL: "https://mirror.example/get", SuggestedFilename: "book.pdf"})
	w.listen(&cdpbrowser.EventDownloadProgress{GUID: "g1", TotalBytes: 80 << 20, ReceivedBytes: 1 << 20, State: cdpbrowser.DownloadProgressStateInProgress})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	dl, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("wait should return once the download started: %v", err)
	}
	if dl.GUID != "g1" || dl.Path != filepath.Join(w.dir, "g1") {
		t.Fatalf("unexpected download: %+v", dl)
	}

	// Still transferring: completion is not reported yet.
	if _, err := w.Complete(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected complete to time out mid-transfer, got %v", err)
	}

	w.listen(&cdpbrowser.EventDownloadProgress{GUID: "g1", State: cdpbrowser.DownloadProgressStateCompleted})
	if _, err := w.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestDownloadWaiterIgnoresOtherDownloads(t *testing.T) {
	w := newTestWaiter(t)
	w.listen(&cdpbrowser.EventDownloadWillBegin{GUID: "g1", SuggestedFilename: "a.pdf"})
	w.listen(&cdpbrowser.EventDownloadWillBegin{GUID: "g2", SuggestedFilename: "b.pdf"})
	w.listen(&cdpbrowser.EventDownloadProgress{GUID: "g2", State: cdpbrowser.DownloadProgressStateCanceled})
	w.listen(&cdpbrowser.EventDownloadProgress{GUID: "g1", State: cdpbrowser.DownloadProgressStateCanceled})

	dl, err := w.Complete(context.Background())
	if !IsDownloadCanceled(err) || dl.GUID != "g1" {
		t.Fatalf("expected g1 canceled, got %+v %v", dl, err)
	}
}

func TestDownloadWaiterCancelRemovesPartialFile(t *testing.T) {
	w := newTestWaiter(t)
	w.listen(&cdpbrowser.EventDownloadWillBegin{GUID: "g1", SuggestedFilename: "book.pdf"})
	partial := filepath.Join(w.dir, "g1")
	if err := os.WriteFile(partial, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}

	w.Cancel()
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("partial download left behind: %v", err)
	}
	// Repeated cancel is a no-op.
	w.Cancel()
}
