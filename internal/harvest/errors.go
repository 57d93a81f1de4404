package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Caller and store errors.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Download error kinds. Every fetch failure unwraps to exactly one of these.
var (
	ErrCancelled      = errors.New("cancelled")
	ErrTimeoutConnect = errors.New("connect timeout")
	ErrTimeoutRead    = errors.New("read timeout")
	ErrStalled        = errors.New("transfer stalled")
	ErrTransport      = errors.New("transport error")
	ErrServer         = errors.New("server error")
	ErrClient         = errors.New("client error")
	ErrTooLarge       = errors.New("payload too large")
	ErrDiscovery      = errors.New("discovery failed")
)

// ErrorKind is the enumerated class of a download or discovery failure.
type ErrorKind string

// Error kinds, one per sentinel.
const (
	KindNone           ErrorKind = ""
	KindCancelled      ErrorKind = "cancelled"
	KindTimeoutConnect ErrorKind = "timeout_connect"
	KindTimeoutRead    ErrorKind = "timeout_read"
	KindStalled        ErrorKind = "stalled"
	KindTransport      ErrorKind = "transport"
	KindServer         ErrorKind = "server"
	KindClient         ErrorKind = "client"
	KindTooLarge       ErrorKind = "too_large"
	KindDiscovery      ErrorKind = "discovery"
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindCancelled, ErrCancelled},
	{KindTimeoutConnect, ErrTimeoutConnect},
	{KindTimeoutRead, ErrTimeoutRead},
	{KindStalled, ErrStalled},
	{KindTransport, ErrTransport},
	{KindServer, ErrServer},
	{KindClient, ErrClient},
	{KindTooLarge, ErrTooLarge},
	{KindDiscovery, ErrDiscovery},
}

// Sentinel returns the sentinel error for the kind, or nil for KindNone.
func (k ErrorKind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return nil
}

// FetchError describes a failed HTTP fetch.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// NewFetchError builds a FetchError of the given kind.
func NewFetchError(kind ErrorKind, status int, cause error) *FetchError {
	return &FetchError{Kind: kind, StatusCode: status, Err: cause}
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf classifies err. Context cancellation maps to KindCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransport
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeoutConnect, KindTimeoutRead, KindStalled, KindTransport, KindServer:
		return true
	default:
		return false
	}
}
