// Package download drives the trigger-and-capture flow on a book's download
// page: wait for the control to unlock, close popups, click, catch the
// browser's download event, and verify the saved file.
package download

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bookrelay/internal/apperr"
	"bookrelay/internal/browser"
	"bookrelay/internal/parser"
)

type Config struct {
	Dir               string
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	ControlTimeout    time.Duration
	EventTimeout      time.Duration
	MaxRetries        int
	// Deadline bounds the whole attempt, retries included.
	Deadline         time.Duration
	PopupCloseBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 30 * time.Second
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 20 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 3 * time.Minute
	}
	if c.PopupCloseBudget <= 0 {
		c.PopupCloseBudget = 3 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

type Coordinator struct {
	cfg Config
	now func() time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg.withDefaults(), now: time.Now}
}

// Run captures exactly one non-empty file from target. The returned attempt
// is non-nil on every path; on success its ScratchPath holds the file and
// the caller owns it.
func (c *Coordinator) Run(ctx context.Context, session browser.Session, target string, control browser.Control) (*Attempt, error) {
	attempt := &Attempt{
		ID:       uuid.NewString(),
		URL:      target,
		Deadline: c.now().Add(c.cfg.Deadline),
		State:    StateNavigating,
	}
	log.Printf("[Download:%s] start %s", shortID(attempt.ID), target)

	ctx, cancel := context.WithDeadline(ctx, attempt.Deadline)
	defer cancel()

	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return c.fail(attempt, fmt.Errorf("create download dir: %w", err))
	}

	var popups atomic.Int32
	session.OnUnexpectedPage(func(p browser.Popup) {
		popups.Add(1)
		closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.PopupCloseBudget)
		defer cancel()
		if err := p.Close(closeCtx); err != nil {
			log.Printf("[Download:%s] close popup %s: %v", shortID(attempt.ID), p.URL(), err)
			return
		}
		log.Printf("[Download:%s] closed popup %s", shortID(attempt.ID), p.URL())
	})
	defer func() { attempt.PopupsClosed = int(popups.Load()) }()

	page, err := session.NewPage(ctx)
	if err != nil {
		return c.fail(attempt, fmt.Errorf("open download page: %w", err))
	}
	defer page.Close()

	if err := page.Navigate(ctx, target, c.cfg.NavigationTimeout); err != nil {
		return c.fail(attempt, c.deadlineOr(ctx, err))
	}

	for {
		err := c.capture(ctx, page, control, attempt, &popups)
		if err == nil {
			attempt.to(StateVerified, c.now(), fmt.Sprintf("%d bytes", attempt.SizeBytes))
			return attempt, nil
		}
		if !apperr.Transient(err) {
			return c.fail(attempt, err)
		}
		if attempt.Retries >= c.cfg.MaxRetries {
			return c.fail(attempt, fmt.Errorf("giving up after %d retries: %w", attempt.Retries, err))
		}
		if ctx.Err() != nil || !c.now().Before(attempt.Deadline) {
			return c.fail(attempt, apperr.Wrap(apperr.KindDeadlineExceeded, "download deadline reached", err))
		}

		attempt.Retries++
		attempt.to(StateRetrying, c.now(), fmt.Sprintf("retry %d/%d: %v", attempt.Retries, c.cfg.MaxRetries, err))
		if err := page.Reload(ctx, c.cfg.NavigationTimeout); err != nil {
			return c.fail(attempt, c.deadlineOr(ctx, err))
		}
	}
}

// capture runs AwaitingControl → Triggering → AwaitingEvent → Saving once.
func (c *Coordinator) capture(ctx context.Context, page browser.Page, control browser.Control, attempt *Attempt, popups *atomic.Int32) error {
	attempt.to(StateAwaitingControl, c.now(), "")
	if err := c.awaitControl(ctx, page, control); err != nil {
		return err
	}

	attempt.to(StateTriggering, c.now(), "")
	before := popups.Load()

	// Armed before the click: the event can fire before Click returns.
	// Cancel also removes a transfer abandoned on any failure path.
	waiter, err := page.ExpectDownload(ctx, c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("arm download listener: %w", err)
	}
	defer waiter.Cancel()

	if err := page.Click(ctx, control.Selector); err != nil {
		if ctx.Err() != nil {
			return c.deadlineOr(ctx, err)
		}
		return apperr.Wrap(apperr.KindPopupInterference, "click on trigger control failed", err)
	}

	attempt.to(StateAwaitingEvent, c.now(), "")
	eventCtx, cancel := context.WithTimeout(ctx, c.cfg.EventTimeout)
	defer cancel()

	dl, err := waiter.Wait(eventCtx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return c.deadlineOr(ctx, err)
		case popups.Load() > before:
			return apperr.Wrap(apperr.KindPopupInterference,
				fmt.Sprintf("click opened %d popup(s) and no download started", popups.Load()-before), err)
		}
		return apperr.Wrap(apperr.KindEventTimeout, fmt.Sprintf("no download started within %s", c.cfg.EventTimeout), err)
	}

	// The transfer itself is bounded only by the attempt deadline.
	attempt.to(StateSaving, c.now(), dl.SuggestedFilename)
	dl, err = waiter.Complete(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return c.deadlineOr(ctx, err)
		}
		if browser.IsDownloadCanceled(err) {
			return apperr.Wrap(apperr.KindEmptyDownload, "browser canceled the download before it finished", err)
		}
		return fmt.Errorf("wait for download to finish: %w", err)
	}
	return c.save(attempt, dl)
}

func (c *Coordinator) awaitControl(ctx context.Context, page browser.Page, control browser.Control) error {
	controlCtx, cancel := context.WithTimeout(ctx, c.cfg.ControlTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var last browser.ControlState
	for {
		state, err := page.ControlState(controlCtx, control)
		if err == nil {
			if state.Ready() {
				return nil
			}
			last = state
		}

		select {
		case <-controlCtx.Done():
			if ctx.Err() != nil {
				return c.deadlineOr(ctx, ctx.Err())
			}
			if html, err := page.HTML(ctx); err == nil && parser.IsChallengePage(html) {
				return apperr.New(apperr.KindPopupInterference, "download page shows an anti-bot challenge")
			}
			return apperr.New(apperr.KindControlTimeout,
				fmt.Sprintf("control %q not ready after %s (found=%t visible=%t enabled=%t inContainer=%t)",
					control.Selector, c.cfg.ControlTimeout, last.Found, last.Visible, last.Enabled, last.InContainer))
		case <-ticker.C:
		}
	}
}

// save moves the browser's file to a name unique to this attempt and
// rejects empty files.
func (c *Coordinator) save(attempt *Attempt, dl browser.Download) error {
	name := fmt.Sprintf("%s-%d%s", attempt.ID, attempt.Retries, scratchExt(dl.SuggestedFilename))
	scratch := filepath.Join(c.cfg.Dir, name)
	if err := os.Rename(dl.Path, scratch); err != nil {
		_ = os.Remove(dl.Path)
		return fmt.Errorf("move download to scratch: %w", err)
	}

	info, err := os.Stat(scratch)
	if err != nil {
		_ = os.Remove(scratch)
		return fmt.Errorf("stat scratch file: %w", err)
	}
	if info.Size() == 0 {
		if err := os.Remove(scratch); err != nil {
			log.Printf("[Download:%s] remove empty file: %v", shortID(attempt.ID), err)
		}
		return apperr.New(apperr.KindEmptyDownload, "downloaded file is empty")
	}

	attempt.ScratchPath = scratch
	attempt.SuggestedFilename = dl.SuggestedFilename
	attempt.SizeBytes = info.Size()
	return nil
}

func (c *Coordinator) fail(attempt *Attempt, err error) (*Attempt, error) {
	attempt.to(StateFailed, c.now(), err.Error())
	return attempt, err
}

// deadlineOr reports a wall-clock deadline hit as such, otherwise err.
func (c *Coordinator) deadlineOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindDeadlineExceeded, "download deadline reached", err)
	}
	return err
}

func scratchExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}
