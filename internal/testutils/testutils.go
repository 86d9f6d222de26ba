// Package testutils provides an in-process HTTP server that speaks enough of
// RFC 7233 to exercise resumable and segmented downloads, with knobs for
// injecting failures.
package testutils

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// RandomData returns n deterministic pseudo-random bytes.
func RandomData(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	data := make([]byte, n)
	r.Read(data)
	return data
}

type failure struct {
	status int
	times  int
}

// Server serves Data at every path.
type Server struct {
	*httptest.Server

	Data []byte

	mu          sync.Mutex
	noRanges    bool
	noHead      bool
	ignoreRange bool
	truncateAt  int64
	throttle    time.Duration
	pieceSize   int
	redirects   map[string]string
	failures    map[int64]*failure
	requests    []string
	gets        int
}

func NewServer(t testing.TB, data []byte) *Server {
	t.Helper()
	s := &Server{
		Data:      data,
		pieceSize: 16 * 1024,
		redirects: make(map[string]string),
		failures:  make(map[int64]*failure),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// DisableRanges makes the server ignore Range headers and stop advertising
// Accept-Ranges.
func (s *Server) DisableRanges() { s.mu.Lock(); s.noRanges = true; s.mu.Unlock() }

// DisableHead answers HEAD with 405.
func (s *Server) DisableHead() { s.mu.Lock(); s.noHead = true; s.mu.Unlock() }

// IgnoreRange keeps advertising range support but answers every GET with the
// full body and status 200.
func (s *Server) IgnoreRange() { s.mu.Lock(); s.ignoreRange = true; s.mu.Unlock() }

// TruncateAt ends every GET body cleanly after n bytes, sent chunked without a Content-Length.
func (s *Server) TruncateAt(n int64) { s.mu.Lock(); s.truncateAt = n; s.mu.Unlock() }

// Throttle sleeps d between body pieces of the given size.
func (s *Server) Throttle(d time.Duration, pieceSize int) {
	s.mu.Lock()
	s.throttle = d
	s.pieceSize = pieceSize
	s.mu.Unlock()
}

// Redirect answers GET and HEAD on from with a 302 to to.
func (s *Server) Redirect(from, to string) { s.mu.Lock(); s.redirects[from] = to; s.mu.Unlock() }

// FailRange answers the next `times` GETs whose range starts at start with status.
func (s *Server) FailRange(start int64, times int, status int) {
	s.mu.Lock()
	s.failures[start] = &failure{status: status, times: times}
	s.mu.Unlock()
}

// Requests returns the Range header of every GET seen so far ("" for none).
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) GetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if to, ok := s.redirects[r.URL.Path]; ok {
		s.mu.Unlock()
		http.Redirect(w, r, to, http.StatusFound)
		return
	}
	noRanges, noHead, ignoreRange := s.noRanges, s.noHead, s.ignoreRange
	truncateAt, throttle, pieceSize := s.truncateAt, s.throttle, s.pieceSize
	if r.Method == http.MethodGet {
		s.requests = append(s.requests, r.Header.Get("Range"))
		s.gets++
	}
	s.mu.Unlock()

	if r.Method == http.MethodHead {
		if noHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(s.Data)))
		w.Header().Set("ETag", `"test-etag"`)
		return
	}

	start, end, ranged := parseRange(r.Header.Get("Range"), int64(len(s.Data)))
	if noRanges || ignoreRange {
		start, end, ranged = 0, int64(len(s.Data))-1, false
	}

	s.mu.Lock()
	if f, ok := s.failures[start]; ok && f.times > 0 {
		f.times--
		s.mu.Unlock()
		w.WriteHeader(f.status)
		return
	}
	s.mu.Unlock()

	if start > end || start >= int64(len(s.Data)) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(s.Data)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	body := s.Data[start : end+1]
	truncated := truncateAt > 0 && int64(len(body)) > truncateAt
	if truncated {
		body = body[:truncateAt]
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	if ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.Data)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		if !noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := min(pieceSize, len(body))
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		body = body[n:]
		if (throttle > 0 || truncated) && flusher != nil {
			// Flushing forces a chunked body, so a truncated one carries no length.
			flusher.Flush()
		}
		if throttle > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(throttle):
			}
		}
	}
}

func parseRange(header string, size int64) (int64, int64, bool) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, size - 1, false
	}
	from, to, _ := strings.Cut(strings.TrimPrefix(header, "bytes="), "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, size - 1, false
	}
	end := size - 1
	if to != "" {
		if e, err := strconv.ParseInt(to, 10, 64); err == nil && e < end {
			end = e
		}
	}
	return start, end, true
}
