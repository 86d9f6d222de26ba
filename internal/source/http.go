package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/segget/internal/utils"
)

// HTTP serves http and https URLs through a utils.HTTPDoer, normally a
// *utils.HTTPClient which leaves redirects to the caller.
type HTTP struct {
	client utils.HTTPDoer
}

func NewHTTP(client utils.HTTPDoer) *HTTP {
	return &HTTP{client: client}
}

func (h *HTTP) Open(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %w", err)
	}
	if rh := req.RangeHeader(); rh != "" {
		httpReq.Header.Set("Range", rh)
	}
	httpReq.Header.Set("Connection", "keep-alive")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, &utils.TransportError{Op: "GET " + redact(req.URL), Err: err}
	}
	if err := CheckResponse(req, resp.StatusCode, resp.Header); err != nil {
		drain(resp.Body)
		return nil, err
	}
	log.Debug().Str("op", "source/http").Str("range", req.RangeHeader()).Int("status", resp.StatusCode).Msg("Connection opened")
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Length:     resp.ContentLength,
		Total:      totalFromResponse(resp.StatusCode, resp.Header, resp.ContentLength),
	}, nil
}

// Probe issues a HEAD request, falling back to a one-byte ranged GET for
// servers that reject HEAD.
func (h *HTTP) Probe(ctx context.Context, link string) (*ProbeResult, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HEAD request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &utils.TransportError{Op: "HEAD " + redact(link), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		log.Debug().Str("op", "source/http").Int("status", resp.StatusCode).Msg("HEAD rejected, probing with ranged GET")
		return h.probeWithGet(ctx, link)
	}
	if err := CheckResponse(Request{URL: link}, resp.StatusCode, resp.Header); err != nil {
		return nil, err
	}
	return &ProbeResult{
		URL:          link,
		Size:         resp.ContentLength,
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:     utils.FileNameFromDisposition(resp.Header.Get("Content-Disposition")),
		ETag:         resp.Header.Get("ETag"),
	}, nil
}

func (h *HTTP) probeWithGet(ctx context.Context, link string) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &utils.TransportError{Op: "GET " + redact(link), Err: err}
	}
	defer resp.Body.Close()
	if err := CheckResponse(Request{URL: link}, resp.StatusCode, resp.Header); err != nil {
		return nil, err
	}
	result := &ProbeResult{
		URL:      link,
		Size:     totalFromResponse(resp.StatusCode, resp.Header, resp.ContentLength),
		FileName: utils.FileNameFromDisposition(resp.Header.Get("Content-Disposition")),
		ETag:     resp.Header.Get("ETag"),
	}
	result.AcceptRanges = resp.StatusCode == http.StatusPartialContent
	return result, nil
}

// drain lets the transport reuse the connection for small error bodies.
func drain(body io.ReadCloser) {
	io.CopyN(io.Discard, body, 64*1024)
	body.Close()
}

func redact(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	return u.Redacted()
}
