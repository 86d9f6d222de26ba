package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Segment is one byte range [Start, End) of a multipart download.
type Segment struct {
	Index      int   `yaml:"index"`
	Start      int64 `yaml:"start"`
	End        int64 `yaml:"end"`
	Downloaded int64 `yaml:"downloaded"`
	State      State `yaml:"state"`
	Retries    int   `yaml:"retries"`
	Err        error `yaml:"-"`
}

func (s Segment) Len() int64 { return s.End - s.Start }

func (s Segment) Remaining() int64 { return s.Len() - s.Downloaded }

// Snapshot is an immutable copy of a DownloadInfo.
type Snapshot struct {
	ID             string        `yaml:"id"`
	URL            string        `yaml:"url"`
	Target         string        `yaml:"target"`
	Total          int64         `yaml:"total"`
	Count          int64         `yaml:"count"`
	State          State         `yaml:"state"`
	Err            error         `yaml:"-"`
	Delay          time.Duration `yaml:"-"`
	RetryAt        time.Time     `yaml:"-"`
	RangeSupported bool          `yaml:"rangeSupported"`
	ETag           string        `yaml:"etag,omitempty"`
	Speed          float64       `yaml:"-"`
	Segments       []Segment     `yaml:"segments,omitempty"`
}

// Progress returns the completed fraction, or -1 when the total is unknown.
func (s Snapshot) Progress() float64 {
	if s.Total <= 0 {
		if s.Total == 0 && s.State == StateDone {
			return 1
		}
		return -1
	}
	return float64(s.Count) / float64(s.Total)
}

// Multipart reports whether the snapshot tracks segments.
func (s Snapshot) Multipart() bool { return len(s.Segments) > 0 }

type EventKind int

const (
	// EventState fires on every state transition of the download or a segment.
	EventState EventKind = iota
	// EventProgress fires after each chunk is written.
	EventProgress
	// EventRetry fires when an attempt failed and a backoff delay started.
	EventRetry
	// EventMoved fires when an attempt is redirected to a new location.
	EventMoved
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventProgress:
		return "progress"
	case EventRetry:
		return "retry"
	case EventMoved:
		return "moved"
	}
	return "unknown"
}

// Event is delivered to the Notify callback. Segment is -1 for events about
// the whole download.
type Event struct {
	Kind     EventKind
	Segment  int
	Snapshot Snapshot
}

type Notify func(Event)

// DownloadInfo is the mutable record of one download. All methods are safe
// for concurrent use; only the engine mutates it.
type DownloadInfo struct {
	mu             sync.RWMutex
	id             string
	url            string
	target         string
	total          int64
	count          int64
	state          State
	err            error
	delay          time.Duration
	retryAt        time.Time
	rangeSupported bool
	etag           string
	segments       []Segment
	speed          *SpeedTracker
}

// NewDownloadInfo creates a PENDING record. An empty target lets the engine
// name the file from the source.
func NewDownloadInfo(link, target string) *DownloadInfo {
	cfg := DefaultConfig()
	return &DownloadInfo{
		id:     uuid.NewString(),
		url:    link,
		target: target,
		total:  -1,
		state:  StatePending,
		speed:  NewSpeedTracker(cfg.SpeedWindow, cfg.SpeedSamples),
	}
}

// RestoreDownloadInfo rebuilds a record from a persisted snapshot so the
// engine can resume it. Transient fields are dropped and the state returns
// to PENDING unless the download had finished.
func RestoreDownloadInfo(s Snapshot) *DownloadInfo {
	info := NewDownloadInfo(s.URL, s.Target)
	if s.ID != "" {
		info.id = s.ID
	}
	info.total = s.Total
	info.count = s.Count
	info.rangeSupported = s.RangeSupported
	info.etag = s.ETag
	if s.State == StateDone {
		info.state = StateDone
	}
	info.segments = make([]Segment, len(s.Segments))
	for i, seg := range s.Segments {
		seg.Err = nil
		if seg.State != StateDone {
			seg.State = StatePending
		}
		info.segments[i] = seg
	}
	if len(info.segments) > 0 {
		info.count = sumDownloaded(info.segments)
	}
	return info
}

func (i *DownloadInfo) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

func (i *DownloadInfo) URL() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.url
}

func (i *DownloadInfo) Target() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.target
}

func (i *DownloadInfo) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *DownloadInfo) Count() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.count
}

func (i *DownloadInfo) Total() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.total
}

func (i *DownloadInfo) Segments() []Segment {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return slices.Clone(i.segments)
}

func (i *DownloadInfo) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshotLocked()
}

func (i *DownloadInfo) snapshotLocked() Snapshot {
	return Snapshot{
		ID:             i.id,
		URL:            i.url,
		Target:         i.target,
		Total:          i.total,
		Count:          i.count,
		State:          i.state,
		Err:            i.err,
		Delay:          i.delay,
		RetryAt:        i.retryAt,
		RangeSupported: i.rangeSupported,
		ETag:           i.etag,
		Speed:          i.speed.Speed(),
		Segments:       slices.Clone(i.segments),
	}
}

// update runs fn under the write lock and returns the resulting snapshot.
func (i *DownloadInfo) update(fn func()) Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn()
	return i.snapshotLocked()
}

func (i *DownloadInfo) setState(s State, err error) Snapshot {
	return i.update(func() {
		i.state = s
		i.err = err
		if s != StateRetrying {
			i.delay = 0
			i.retryAt = time.Time{}
		}
	})
}

func (i *DownloadInfo) setURL(link string) Snapshot {
	return i.update(func() { i.url = link })
}

func (i *DownloadInfo) setTarget(name string) {
	i.update(func() { i.target = name })
}

func (i *DownloadInfo) setProbe(total int64, rangeSupported bool, etag string) {
	i.update(func() {
		i.total = total
		i.rangeSupported = rangeSupported
		i.etag = etag
	})
}

// setTotal records a size learned while streaming.
func (i *DownloadInfo) setTotal(total int64) {
	i.update(func() { i.total = total })
}

// resetCount starts a new single-segment attempt at n bytes.
func (i *DownloadInfo) resetCount(n int64) Snapshot {
	return i.update(func() {
		i.count = n
		i.speed.Start(n, time.Now())
	})
}

func (i *DownloadInfo) addCount(n int64) Snapshot {
	return i.update(func() {
		i.count += n
		i.speed.Sample(i.count, time.Now())
	})
}

// retrying moves the download into RETRYING for delay d.
func (i *DownloadInfo) retrying(d time.Duration, cause error) Snapshot {
	return i.update(func() {
		i.state = StateRetrying
		i.err = cause
		i.delay = d
		i.retryAt = time.Now().Add(d)
	})
}

// discard forgets all progress. Used when the resource changed or on Reset.
func (i *DownloadInfo) discard() {
	i.update(func() {
		i.count = 0
		i.segments = nil
		i.err = nil
		i.state = StatePending
		i.speed.Start(0, time.Now())
	})
}

func (i *DownloadInfo) setSegments(segs []Segment) Snapshot {
	return i.update(func() {
		i.segments = segs
		if len(segs) > 0 {
			i.count = sumDownloaded(segs)
		}
		i.speed.Start(i.count, time.Now())
	})
}

// segmentStart begins an attempt on segment idx with resume bytes already on
// disk; the aggregate count follows.
func (i *DownloadInfo) segmentStart(idx int, resume int64) Snapshot {
	return i.update(func() {
		seg := &i.segments[idx]
		i.count += resume - seg.Downloaded
		seg.Downloaded = resume
		seg.State = StateDownloading
		seg.Err = nil
		if i.state == StateRetrying {
			i.state = StateDownloading
			i.err = nil
			i.delay = 0
			i.retryAt = time.Time{}
		}
	})
}

func (i *DownloadInfo) segmentProgress(idx int, n int64) Snapshot {
	return i.update(func() {
		i.segments[idx].Downloaded += n
		i.count += n
		i.speed.Sample(i.count, time.Now())
	})
}

func (i *DownloadInfo) segmentRetrying(idx int, d time.Duration, cause error) Snapshot {
	return i.update(func() {
		seg := &i.segments[idx]
		seg.State = StateRetrying
		seg.Retries++
		seg.Err = cause
		i.state = StateRetrying
		i.err = cause
		i.delay = d
		i.retryAt = time.Now().Add(d)
	})
}

func (i *DownloadInfo) segmentState(idx int, s State, err error) Snapshot {
	return i.update(func() {
		i.segments[idx].State = s
		i.segments[idx].Err = err
	})
}

func sumDownloaded(segs []Segment) int64 {
	var n int64
	for _, s := range segs {
		n += s.Downloaded
	}
	return n
}
