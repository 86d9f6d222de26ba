// Package source opens byte streams for the engine.
//
// A Source answers two questions: what is at this URL (Probe) and give me the
// bytes from this offset (Open). Failures come back already classified using
// the error types in internal/utils, so the retry coordinator never inspects
// status codes itself:
//
//   - 2xx: success
//   - 3xx with Location: *utils.MovedError
//   - 408, 429, 5xx: retryable *utils.HTTPError
//   - other 4xx: fatal *utils.HTTPError
//   - connection faults: retryable *utils.TransportError
//   - a range request answered with the full body: utils.ErrRangeNotHonored
//
// HTTP serves http and https, S3 serves s3://bucket/key, and Mux picks one by
// scheme.
package source
