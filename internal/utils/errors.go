package utils

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInterrupted marks cooperative cancellation. It is not a failure: the
// engine maps it to the STOP state.
var ErrInterrupted = errors.New("download interrupted")

// ErrRangeNotHonored is returned when a non-zero offset was requested and the
// server answered with the full body or a different range. Resuming would
// corrupt the target, so it is never retried.
var ErrRangeNotHonored = errors.New("server did not honor range request")

// ErrTruncated is returned when a stream ends cleanly before the expected
// number of bytes was received.
var ErrTruncated = errors.New("stream ended before expected length")

var ErrTooManyRedirects = errors.New("too many redirects")
var ErrMissingLocation = errors.New("redirect without Location header")

// HTTPError is a non-2xx, non-redirect response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Retryable reports whether the status is worth another attempt: 408, 429 and 5xx.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// MovedError is a 3xx response carrying the absolute Location to restart against.
type MovedError struct {
	StatusCode int
	Location   string
}

func (e *MovedError) Error() string {
	return fmt.Sprintf("moved (%d) to %s", e.StatusCode, e.Location)
}

// TransportError wraps connection level faults (dial, TLS, reset, short body).
// These are always retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StorageError wraps an I/O fault on the destination (disk full, permission
// revoked, device removed). Always fatal.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RetriesExhaustedError is returned once the consecutive retry cap is hit.
type RetriesExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// MultipartError reports a fatal segment or merge failure. Info holds the
// aggregate download state at the time of failure, typed as any to keep this
// package free of engine types; the engine stores its Snapshot there.
type MultipartError struct {
	Segment int // -1 when the failure is not tied to one segment (merge)
	Err     error
	Info    any
}

func (e *MultipartError) Error() string {
	if e.Segment < 0 {
		return fmt.Sprintf("multipart: %v", e.Err)
	}
	return fmt.Sprintf("multipart: segment %d: %v", e.Segment, e.Err)
}

func (e *MultipartError) Unwrap() error { return e.Err }
