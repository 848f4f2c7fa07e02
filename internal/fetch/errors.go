package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrExhausted marks a request that failed on every permitted attempt.
// The returned error also wraps the last *Error observed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Kind classifies a failed attempt.
type Kind int

const (
	KindNetwork     Kind = iota // transport error, no response
	KindUpstream                // non-2xx, non-429 status
	KindRateLimited             // 429
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error describes one failed attempt.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int           // 0 for network errors
	RetryAfter time.Duration // set for KindRateLimited
	Err        error         // underlying transport error, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNetwork:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	case KindRateLimited:
		return fmt.Sprintf("fetch %s: rate limited (retry after %s)", e.URL, e.RetryAfter)
	default:
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a 429 failure.
func IsRateLimited(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindRateLimited
}
