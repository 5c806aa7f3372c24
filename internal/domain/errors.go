package domain

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidModel          = errors.New("invalid model")
	ErrNoCredentialAvailable = errors.New("no active credential available")
	ErrTranslation           = errors.New("translation failure")
	ErrUpstreamTransport     = errors.New("upstream transport failure")
	ErrUpstreamProtocol      = errors.New("upstream protocol failure")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
)

// MaxErrorDetail bounds the diagnostic text kept from an upstream failure.
const MaxErrorDetail = 512

type UpstreamErrorKind int

const (
	UpstreamTransport UpstreamErrorKind = iota
	UpstreamProtocol
)

func (k UpstreamErrorKind) String() string {
	if k == UpstreamProtocol {
		return "protocol"
	}
	return "transport"
}

// UpstreamError is the only error shape produced by the upstream client.
// StatusCode is zero when no HTTP status was received.
type UpstreamError struct {
	Kind       UpstreamErrorKind
	StatusCode int
	Detail     string
	Err        error
}

func (e *UpstreamError) Error() string {
	return "upstream " + e.Kind.String() + " failure: " + e.UsageMessage()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamTransport:
		return e.Kind == UpstreamTransport
	case ErrUpstreamProtocol:
		return e.Kind == UpstreamProtocol
	}
	return false
}

// RateLimited reports whether upstream answered 429.
func (e *UpstreamError) RateLimited() bool {
	return e.StatusCode == 429
}

// UsageMessage renders the bounded diagnostic stored in usage records.
func (e *UpstreamError) UsageMessage() string {
	code := "unknown"
	if e.StatusCode > 0 {
		code = strconv.Itoa(e.StatusCode)
	}
	return "Status " + code + ": " + SanitizeDetail(e.Detail, MaxErrorDetail)
}

// SanitizeDetail forces s to valid UTF-8 and truncates it to at most max bytes.
func SanitizeDetail(s string, max int) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "�")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
