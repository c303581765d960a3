// Package apperr defines the structured error returned by the scraping,
// download and ingest components: a kind, a human message and an optional
// upstream cause.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindBrowserLaunch     Kind = "browser_launch"
	KindNavigationTimeout Kind = "navigation_timeout"
	KindNavigationRefused Kind = "navigation_refused"
	KindControlTimeout    Kind = "control_timeout"
	KindEventTimeout      Kind = "event_timeout"
	KindPopupInterference Kind = "popup_interference"
	KindEmptyDownload     Kind = "empty_download"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindDedupCheck        Kind = "dedup_check"
	KindUpload            Kind = "upload"
	KindInsert            Kind = "insert"
	KindNotFound          Kind = "not_found"
	KindExtraction        Kind = "extraction"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Detail returns the upstream cause text, or "" when there is none.
func (e *Error) Detail() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether a download attempt failing with err may be retried.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindControlTimeout, KindEventTimeout, KindPopupInterference, KindEmptyDownload:
		return true
	}
	return false
}
