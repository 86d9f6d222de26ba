package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tanq16/segget/internal/utils"
)

// Request asks for the bytes [Offset, End) of URL. End <= 0 means to the end
// of the resource.
type Request struct {
	URL    string
	Offset int64
	End    int64
}

// RangeHeader returns the Range header value, or "" for a plain full request.
func (r Request) RangeHeader() string {
	if r.End > 0 {
		return fmt.Sprintf("bytes=%d-%d", r.Offset, r.End-1)
	}
	if r.Offset > 0 {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return ""
}

func (r Request) ranged() bool {
	return r.RangeHeader() != ""
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Length     int64 // bytes the body will carry, -1 if unknown
	Total      int64 // size of the whole resource, -1 if unknown
}

type ProbeResult struct {
	URL          string
	Size         int64 // -1 if unknown
	AcceptRanges bool
	FileName     string
	ETag         string
}

type Source interface {
	Probe(ctx context.Context, link string) (*ProbeResult, error)
	Open(ctx context.Context, req Request) (*Response, error)
}

// CheckResponse classifies a response to req. A nil error means the body can
// be consumed as the requested range.
func CheckResponse(req Request, status int, header http.Header) error {
	switch {
	case status >= 300 && status < 400:
		location := header.Get("Location")
		if location == "" {
			return fmt.Errorf("%w (status %d)", utils.ErrMissingLocation, status)
		}
		return &utils.MovedError{StatusCode: status, Location: resolveLocation(req.URL, location)}
	case status >= 400 || status < 200:
		return &utils.HTTPError{StatusCode: status, URL: req.URL}
	}
	if !req.ranged() {
		return nil
	}
	if status != http.StatusPartialContent {
		return fmt.Errorf("%w: requested %s, got status %d", utils.ErrRangeNotHonored, req.RangeHeader(), status)
	}
	start, end, _, ok := ParseContentRange(header.Get("Content-Range"))
	if ok && start != req.Offset {
		return fmt.Errorf("%w: requested offset %d, got %d", utils.ErrRangeNotHonored, req.Offset, start)
	}
	if ok && req.End > 0 && end != req.End-1 {
		return fmt.Errorf("%w: requested %s, got end %d", utils.ErrRangeNotHonored, req.RangeHeader(), end)
	}
	return nil
}

// ParseContentRange parses "bytes start-end/total". total is -1 for "*".
func ParseContentRange(value string) (start, end, total int64, ok bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, 0, false
	}
	rng, size, found := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !found {
		return 0, 0, 0, false
	}
	total = -1
	if size != "*" {
		t, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		total = t
	}
	if rng == "*" {
		return -1, -1, total, true
	}
	from, to, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, 0, false
	}
	s, err1 := strconv.ParseInt(from, 10, 64)
	e, err2 := strconv.ParseInt(to, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, 0, false
	}
	return s, e, total, true
}

func resolveLocation(base, location string) string {
	b, err := url.Parse(base)
	if err != nil {
		return location
	}
	l, err := url.Parse(location)
	if err != nil {
		return location
	}
	return b.ResolveReference(l).String()
}

// totalFromResponse works out the whole resource size from a successful response.
func totalFromResponse(status int, header http.Header, length int64) int64 {
	if status == http.StatusPartialContent {
		if _, _, total, ok := ParseContentRange(header.Get("Content-Range")); ok {
			return total
		}
		return -1
	}
	return length
}
