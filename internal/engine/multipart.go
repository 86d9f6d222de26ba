package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tanq16/segget/internal/source"
	"github.com/tanq16/segget/internal/utils"
)

// planSegments splits [0, total) into n contiguous ranges. The last range
// absorbs the remainder.
func planSegments(total int64, n int) []Segment {
	if int64(n) > total {
		n = int(max(total, 1))
	}
	size := total / int64(n)
	segs := make([]Segment, n)
	for i := range segs {
		start := int64(i) * size
		end := start + size
		if i == n-1 {
			end = total
		}
		segs[i] = Segment{Index: i, Start: start, End: end, State: StatePending}
	}
	return segs
}

// validPartition reports whether segs exactly covers [0, total).
func validPartition(segs []Segment, total int64) bool {
	if len(segs) == 0 {
		return false
	}
	var next int64
	for i, s := range segs {
		if s.Index != i || s.Start != next || s.End <= s.Start || s.Downloaded < 0 || s.Downloaded > s.Len() {
			return false
		}
		next = s.End
	}
	return next == total
}

func (e *Engine) partName(target string, idx int) string {
	return path.Join(e.cfg.TempDir, target+".part"+strconv.Itoa(idx))
}

// prepareSegments reuses a recorded partition when it still fits total and
// each part file on disk matches its recorded progress. Mismatched segments
// restart from zero.
func (e *Engine) prepareSegments(total int64) error {
	target := e.info.Target()
	segs := e.info.Segments()
	if !validPartition(segs, total) {
		if len(segs) > 0 {
			log.Warn().Str("op", "engine/multipart").Str("target", target).Msg("Recorded segments do not match resource, re-planning")
		}
		segs = planSegments(total, e.cfg.Segments)
	}
	for i := range segs {
		seg := &segs[i]
		seg.Err = nil
		var size int64
		fi, err := e.dir.Stat(e.partName(target, i))
		switch {
		case err == nil:
			size = fi.Size()
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		if size != seg.Downloaded {
			if seg.Downloaded > 0 {
				log.Warn().Str("op", "engine/multipart").Int("segment", i).Int64("recorded", seg.Downloaded).Int64("onDisk", size).
					Msg("Part file does not match recorded progress, restarting segment")
			}
			seg.Downloaded = 0
		}
		if seg.Downloaded == seg.Len() {
			seg.State = StateDone
		} else {
			seg.State = StatePending
		}
	}
	e.emit(EventState, -1, e.info.setSegments(segs))
	return nil
}

// downloadMultipart runs every unfinished segment in its own goroutine and
// merges once all are done. The first fatal segment cancels its siblings.
func (e *Engine) downloadMultipart(ctx context.Context) error {
	segs := e.info.Segments()
	g, gctx := errgroup.WithContext(ctx)
	for i := range segs {
		i := i
		g.Go(func() error { return e.runSegment(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		if e.stopped(ctx) {
			return interruptedError(err)
		}
		return err
	}
	return e.merge(ctx)
}

func (e *Engine) runSegment(ctx context.Context, idx int) error {
	seg := e.info.Segments()[idx]
	if seg.Remaining() == 0 {
		e.emit(EventState, idx, e.info.segmentState(idx, StateDone, nil))
		return nil
	}
	r := newRetrier(e.cfg.Retry)
	r.onRetry = func(d time.Duration, cause error) {
		log.Warn().Str("op", "engine/multipart").Int("segment", idx).Err(cause).Dur("delay", d).Msg("Segment failed, retrying")
		e.emit(EventRetry, idx, e.info.segmentRetrying(idx, d, cause))
	}
	r.onMoved = func(location string) {
		log.Info().Str("op", "engine/multipart").Int("segment", idx).Str("location", location).Msg("Segment redirected")
		e.emit(EventMoved, idx, e.info.Snapshot())
	}
	err := r.run(ctx, e.info.URL(), func(ctx context.Context, link string) error {
		return e.segmentAttempt(ctx, idx, link, r)
	})
	switch {
	case err == nil:
		e.emit(EventState, idx, e.info.segmentState(idx, StateDone, nil))
		return nil
	case errors.Is(err, utils.ErrInterrupted):
		e.emit(EventState, idx, e.info.segmentState(idx, StateStop, err))
		return err
	default:
		snap := e.info.segmentState(idx, StateError, err)
		e.emit(EventState, idx, snap)
		return &utils.MultipartError{Segment: idx, Err: err, Info: snap}
	}
}

func (e *Engine) segmentAttempt(ctx context.Context, idx int, link string, r *retrier) error {
	seg := e.info.Segments()[idx]
	store, err := e.dir.Open(e.partName(e.info.Target(), idx))
	if err != nil {
		return err
	}
	defer store.Close()

	size, err := store.Size()
	if err != nil {
		return err
	}
	resume := min(seg.Downloaded, size)
	if err := store.Truncate(resume); err != nil {
		return err
	}
	if _, err := store.Seek(resume, io.SeekStart); err != nil {
		return err
	}
	e.emit(EventState, idx, e.info.segmentStart(idx, resume))
	if resume == seg.Len() {
		return store.Close()
	}

	resp, err := e.src.Open(ctx, source.Request{URL: link, Offset: seg.Start + resume, End: seg.End})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkLength(resp, e.info.Total(), seg.Len()-resume); err != nil {
		return err
	}

	_, err = e.copyStream(ctx, store, resp.Body, seg.Len()-resume, func(n int64) {
		r.progressed()
		e.emit(EventProgress, idx, e.info.segmentProgress(idx, n))
	})
	if err != nil {
		return err
	}
	return store.Close()
}

// merge concatenates the part files into the target in offset order and
// removes them. On failure the part files are kept for a later attempt.
func (e *Engine) merge(ctx context.Context) error {
	target := e.info.Target()
	segs := e.info.Segments()
	fail := func(err error) error {
		return &utils.MultipartError{Segment: -1, Err: err, Info: e.info.Snapshot()}
	}

	out, err := e.dir.Open(target)
	if err != nil {
		return fail(err)
	}
	defer out.Close()
	if err := out.Truncate(0); err != nil {
		return fail(err)
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}

	buf := make([]byte, e.cfg.ChunkSize)
	var written int64
	for i, seg := range segs {
		if e.stopped(ctx) {
			return interruptedError(ctx.Err())
		}
		n, err := e.appendPart(out, e.partName(target, i), buf)
		if err != nil {
			return fail(fmt.Errorf("merging part %d: %w", i, err))
		}
		if n != seg.Len() {
			return fail(fmt.Errorf("merging part %d: %w: got %d of %d bytes", i, utils.ErrTruncated, n, seg.Len()))
		}
		written += n
	}
	if total := e.info.Total(); written != total {
		return fail(fmt.Errorf("%w: merged %d of %d bytes", utils.ErrTruncated, written, total))
	}
	if err := out.Close(); err != nil {
		return fail(err)
	}
	for i := range segs {
		if err := e.dir.Delete(e.partName(target, i)); err != nil {
			log.Warn().Str("op", "engine/multipart").Int("segment", i).Err(err).Msg("Failed to remove part file")
		}
	}
	log.Debug().Str("op", "engine/multipart").Str("target", target).Int("parts", len(segs)).Msg("Merged part files")
	return nil
}

func (e *Engine) appendPart(out io.Writer, name string, buf []byte) (int64, error) {
	part, err := e.dir.Open(name)
	if err != nil {
		return 0, err
	}
	defer part.Close()
	return io.CopyBuffer(out, part, buf)
}
