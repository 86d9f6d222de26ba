package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/segget/internal/source"
	"github.com/tanq16/segget/internal/storage"
	"github.com/tanq16/segget/internal/utils"
)

// copyStream moves body into store chunk by chunk. expected is the number of
// bytes the body must deliver, -1 if unknown. The stop signal is checked once
// per chunk before writing, so nothing is written after it is observed.
func (e *Engine) copyStream(ctx context.Context, store storage.Store, body io.Reader, expected int64, onChunk func(n int64)) (int64, error) {
	buf := make([]byte, e.cfg.ChunkSize)
	var received int64
	for {
		if expected >= 0 && received >= expected {
			return received, nil
		}
		if e.stopped(ctx) {
			return received, utils.ErrInterrupted
		}
		chunk := buf
		if expected >= 0 && expected-received < int64(len(buf)) {
			chunk = buf[:expected-received]
		}
		n, err := body.Read(chunk)
		if n > 0 {
			if e.stopped(ctx) {
				return received, utils.ErrInterrupted
			}
			if _, werr := store.Write(chunk[:n]); werr != nil {
				return received, werr
			}
			received += int64(n)
			onChunk(int64(n))
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if expected >= 0 && received < expected {
				return received, fmt.Errorf("%w: got %d of %d bytes", utils.ErrTruncated, received, expected)
			}
			return received, nil
		case ctx.Err() != nil:
			return received, interruptedError(ctx.Err())
		default:
			return received, &utils.TransportError{Op: "read", Err: err}
		}
	}
}

// checkLength rejects a response that does not carry exactly the remaining
// want bytes of a resource of total bytes. Unknown values are not checked.
func checkLength(resp *source.Response, total, want int64) error {
	if total >= 0 && resp.Total >= 0 && resp.Total != total {
		return fmt.Errorf("%w: resource is %d bytes, expected %d", utils.ErrRangeNotHonored, resp.Total, total)
	}
	if want >= 0 && resp.Length >= 0 && resp.Length != want {
		return fmt.Errorf("%w: response carries %d bytes, expected %d", utils.ErrRangeNotHonored, resp.Length, want)
	}
	return nil
}

// downloadSingle is one single-segment attempt against link.
func (e *Engine) downloadSingle(ctx context.Context, link string, r *retrier) error {
	target := e.info.Target()
	e.emit(EventState, -1, e.info.setState(StateDownloading, nil))

	store, err := e.dir.Open(target)
	if err != nil {
		return err
	}
	defer store.Close()

	snap := e.info.Snapshot()
	var resume int64
	if snap.Count > 0 {
		size, err := store.Size()
		switch {
		case err != nil:
			return err
		case snap.RangeSupported && size == snap.Count:
			resume = snap.Count
		default:
			log.Warn().Str("op", "engine/transfer").Str("target", target).Int64("count", snap.Count).Int64("size", size).
				Bool("ranges", snap.RangeSupported).Msg("Partial file cannot be resumed, restarting from zero")
		}
	}
	if err := store.Truncate(resume); err != nil {
		return err
	}
	if _, err := store.Seek(resume, io.SeekStart); err != nil {
		return err
	}
	e.emit(EventProgress, -1, e.info.resetCount(resume))
	if snap.Total >= 0 && resume == snap.Total {
		return store.Close()
	}

	resp, err := e.src.Open(ctx, source.Request{URL: link, Offset: resume})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	expected := int64(-1)
	if snap.Total >= 0 {
		expected = snap.Total - resume
		if err := checkLength(resp, snap.Total, expected); err != nil {
			return err
		}
	} else if resp.Length >= 0 {
		expected = resp.Length
		e.info.setTotal(resume + resp.Length)
	}
	log.Debug().Str("op", "engine/transfer").Str("target", target).Int64("offset", resume).Int64("expected", expected).Msg("Streaming single segment")

	_, err = e.copyStream(ctx, store, resp.Body, expected, func(n int64) {
		r.progressed()
		e.emit(EventProgress, -1, e.info.addCount(n))
	})
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	if expected < 0 {
		e.info.setTotal(e.info.Count())
	}
	return nil
}
