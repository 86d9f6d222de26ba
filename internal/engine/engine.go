package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tanq16/segget/internal/source"
	"github.com/tanq16/segget/internal/storage"
	"github.com/tanq16/segget/internal/utils"
)

var ErrAlreadyRunning = errors.New("download already running")

type Engine struct {
	info *DownloadInfo
	dir  storage.Directory
	src  source.Source
	cfg  Config

	stop    atomic.Bool
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	notify  Notify

	progressLog rate.Sometimes
}

// New binds info to the directory its target lives in and the source it is
// fetched from. Zero fields of cfg take their DefaultConfig values.
func New(info *DownloadInfo, dir storage.Directory, src source.Source, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	info.speed = NewSpeedTracker(cfg.SpeedWindow, cfg.SpeedSamples)
	return &Engine{
		info:        info,
		dir:         dir,
		src:         src,
		cfg:         cfg,
		notify:      func(Event) {},
		progressLog: rate.Sometimes{Interval: time.Second},
	}
}

func (e *Engine) Info() Snapshot { return e.info.Snapshot() }

// RequestStop asks a running Start to end in STOP. It returns immediately;
// Start returns once the current chunk is abandoned. A request made before
// Start makes the next Start end in STOP without transferring.
func (e *Engine) RequestStop() {
	e.stop.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) stopped(ctx context.Context) bool {
	return e.stop.Load() || ctx.Err() != nil
}

// Reset discards all progress so the next Start downloads from byte zero
// into the same target.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	snap := e.info.Snapshot()
	e.removeParts(snap)
	if snap.Target != "" {
		store, err := e.dir.Open(snap.Target)
		if err != nil {
			return err
		}
		if err := store.Truncate(0); err != nil {
			store.Close()
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
	}
	e.info.discard()
	return nil
}

// Start runs the download to a terminal state and returns nil on DONE, an
// error wrapping utils.ErrInterrupted on STOP, or the failure on ERROR. A
// stopped or failed download can be started again to resume it; starting a
// finished one is a no-op.
func (e *Engine) Start(ctx context.Context, notify Notify) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if e.info.State() == StateDone {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.cancel = cancel
	if notify != nil {
		e.notify = notify
	} else {
		e.notify = func(Event) {}
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.stop.Store(false)
		e.mu.Unlock()
	}()

	if e.stop.Load() {
		log.Debug().Str("op", "engine/engine").Str("id", e.info.ID()).Msg("Stop requested before start")
		return e.finish(ctx, utils.ErrInterrupted)
	}
	log.Debug().Str("op", "engine/engine").Str("id", e.info.ID()).Str("url", e.info.URL()).Msg("Starting download")
	e.emit(EventState, -1, e.info.setState(StateDownloading, nil))
	return e.finish(ctx, e.run(ctx))
}

func (e *Engine) run(ctx context.Context) error {
	probe, err := e.probe(ctx)
	if err != nil {
		return err
	}
	if err := e.resolveTarget(probe.FileName); err != nil {
		return err
	}
	e.checkResource(probe.Size, probe.ETag)
	e.info.setProbe(probe.Size, probe.AcceptRanges, probe.ETag)
	e.emit(EventState, -1, e.info.setState(StateDownloading, nil))

	if e.useMultipart(probe) {
		if err := e.prepareSegments(probe.Size); err != nil {
			return err
		}
		log.Debug().Str("op", "engine/engine").Str("target", e.info.Target()).Int("segments", len(e.info.Segments())).Msg("Using multipart strategy")
		return e.downloadMultipart(ctx)
	}

	if snap := e.info.Snapshot(); snap.Multipart() {
		e.removeParts(snap)
		e.info.discard()
		e.info.setState(StateDownloading, nil)
	}
	r := newRetrier(e.cfg.Retry)
	r.onRetry = func(d time.Duration, cause error) {
		log.Warn().Str("op", "engine/engine").Err(cause).Dur("delay", d).Msg("Download failed, retrying")
		e.emit(EventRetry, -1, e.info.retrying(d, cause))
	}
	r.onMoved = e.moved
	return r.run(ctx, e.info.URL(), func(ctx context.Context, link string) error {
		return e.downloadSingle(ctx, link, r)
	})
}

// probe resolves redirects and learns size, range support and file name.
func (e *Engine) probe(ctx context.Context) (*source.ProbeResult, error) {
	var result *source.ProbeResult
	r := newRetrier(e.cfg.Retry)
	r.onRetry = func(d time.Duration, cause error) {
		log.Warn().Str("op", "engine/engine").Err(cause).Dur("delay", d).Msg("Probe failed, retrying")
		e.emit(EventRetry, -1, e.info.retrying(d, cause))
	}
	r.onMoved = e.moved
	err := r.run(ctx, e.info.URL(), func(ctx context.Context, link string) error {
		res, err := e.src.Probe(ctx, link)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.URL != "" && result.URL != e.info.URL() {
		e.moved(result.URL)
	}
	log.Debug().Str("op", "engine/engine").Int64("size", result.Size).Bool("ranges", result.AcceptRanges).Str("name", result.FileName).Msg("Probed source")
	return result, nil
}

func (e *Engine) moved(location string) {
	log.Info().Str("op", "engine/engine").Str("location", location).Msg("Download moved")
	e.emit(EventMoved, -1, e.info.setURL(location))
}

func (e *Engine) useMultipart(probe *source.ProbeResult) bool {
	return e.cfg.Segments > 1 && probe.AcceptRanges && probe.Size > 0 && probe.Size >= e.cfg.MultipartThreshold
}

// finish records the terminal state and notifies it.
func (e *Engine) finish(ctx context.Context, err error) error {
	var state State
	switch {
	case err == nil:
		state = StateDone
	case errors.Is(err, utils.ErrInterrupted) || e.stopped(ctx):
		state = StateStop
		err = interruptedError(err)
	default:
		state = StateError
	}
	snap := e.info.setState(state, err)
	event := log.Info()
	if state == StateError {
		event = log.Error().Err(err)
	}
	event.Str("op", "engine/engine").Str("target", snap.Target).Str("state", state.String()).Int64("bytes", snap.Count).Msg("Download finished")
	e.emit(EventState, -1, snap)
	return err
}

func (e *Engine) emit(kind EventKind, segment int, snap Snapshot) {
	if kind == EventProgress {
		e.progressLog.Do(func() {
			log.Debug().Str("op", "engine/engine").Str("target", snap.Target).Int64("count", snap.Count).Int64("total", snap.Total).
				Str("speed", utils.FormatSpeed(snap.Speed)).Msg("Progress")
		})
	}
	e.notify(Event{Kind: kind, Segment: segment, Snapshot: snap})
}
