// Package engine drives one download from PENDING to a terminal state.
//
// An Engine owns a DownloadInfo record. Start probes the source, picks a
// strategy and runs it:
//
//   - single segment: one stream written straight into the target, resumed
//     from the recorded count when the target still matches it
//   - multipart: the resource is split into Config.Segments byte ranges, each
//     fetched by its own goroutine into a part file, then merged in offset
//     order once every segment is done
//
// Every network attempt runs under a retrier. Retryable failures back off
// exponentially up to RetryPolicy.MaxRetries consecutive failures, redirects
// restart the attempt against the new location, anything else ends the
// download in ERROR. Cancelling the context passed to Start, or calling
// RequestStop, ends it in STOP within one chunk.
//
// Callers observe the download through the Notify callback, which receives an
// immutable Snapshot on every state change and every chunk. In multipart mode
// the callback is invoked concurrently from segment goroutines.
package engine
