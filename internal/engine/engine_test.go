package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/segget/internal/source"
	"github.com/tanq16/segget/internal/storage"
	"github.com/tanq16/segget/internal/testutils"
	"github.com/tanq16/segget/internal/utils"
)

// trackingDir counts open handles and can refuse to open or close one name.
type trackingDir struct {
	storage.Directory
	open      atomic.Int64
	mu        sync.Mutex
	failOpen  string
	failClose string
}

func newTrackingDir() *trackingDir {
	return &trackingDir{Directory: storage.NewMemDirectory()}
}

func (d *trackingDir) setFailOpen(name string) {
	d.mu.Lock()
	d.failOpen = name
	d.mu.Unlock()
}

func (d *trackingDir) setFailClose(name string) {
	d.mu.Lock()
	d.failClose = name
	d.mu.Unlock()
}

func (d *trackingDir) Open(name string) (storage.Store, error) {
	d.mu.Lock()
	fail := d.failOpen != "" && d.failOpen == name
	d.mu.Unlock()
	if fail {
		return nil, &utils.StorageError{Op: "open", Name: name, Err: fs.ErrPermission}
	}
	s, err := d.Directory.Open(name)
	if err != nil {
		return nil, err
	}
	d.open.Add(1)
	return &trackedStore{Store: s, dir: d, name: name}, nil
}

type trackedStore struct {
	storage.Store
	dir    *trackingDir
	name   string
	closed atomic.Bool
}

func (s *trackedStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.dir.open.Add(-1)
	}
	err := s.Store.Close()
	s.dir.mu.Lock()
	fail := s.dir.failClose != "" && s.dir.failClose == s.name
	s.dir.mu.Unlock()
	if fail {
		return &utils.StorageError{Op: "close", Name: s.name, Err: fs.ErrClosed}
	}
	return err
}

func readAll(t *testing.T, dir storage.Directory, name string) []byte {
	t.Helper()
	s, err := dir.Open(name)
	require.NoError(t, err)
	defer s.Close()
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	return data
}

func writeFile(t *testing.T, dir storage.Directory, name string, data []byte) {
	t.Helper()
	s, err := dir.Open(name)
	require.NoError(t, err)
	_, err = s.Write(data)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = fastPolicy()
	cfg.MultipartThreshold = 64 * 1024
	return cfg
}

func httpSource() source.Source {
	return source.NewHTTP(utils.NewHTTPClient(utils.HTTPClientConfig{}))
}

// recorder collects events; engines call it concurrently in multipart mode.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind, segment int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Segment == segment {
			n++
		}
	}
	return n
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestSingleSegmentDownload(t *testing.T) {
	data := testutils.RandomData(200 * 1024)
	srv := testutils.NewServer(t, data)
	dir := newTrackingDir()
	cfg := testConfig()
	cfg.Segments = 1

	rec := &recorder{}
	eng := New(NewDownloadInfo(srv.URL+"/data.bin", "data.bin"), dir, httpSource(), cfg)
	require.NoError(t, eng.Start(context.Background(), rec.notify))

	info := eng.Info()
	assert.Equal(t, StateDone, info.State)
	assert.EqualValues(t, len(data), info.Count)
	assert.EqualValues(t, len(data), info.Total)
	assert.Nil(t, info.Err)
	assert.Equal(t, data, readAll(t, dir, "data.bin"))
	assert.Equal(t, []string{""}, srv.Requests())
	assert.Zero(t, dir.open.Load())

	last := rec.last()
	assert.Equal(t, EventState, last.Kind)
	assert.Equal(t, StateDone, last.Snapshot.State)
	assert.Positive(t, rec.count(EventProgress, -1))
}

func TestEmptyResource(t *testing.T) {
	srv := testutils.NewServer(t, []byte{})
	dir := storage.NewMemDirectory()
	eng := New(NewDownloadInfo(srv.URL+"/empty", "empty"), dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, StateDone, eng.Info().State)
	assert.Empty(t, readAll(t, dir, "empty"))
}

func TestTargetNamedFromURL(t *testing.T) {
	data := testutils.RandomData(1000)
	srv := testutils.NewServer(t, data)
	dir := storage.NewMemDirectory()

	eng := New(NewDownloadInfo(srv.URL+"/files/report.pdf", ""), dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, "report.pdf", eng.Info().Target)
	assert.Equal(t, data, readAll(t, dir, "report.pdf"))
}

func TestExistingTargetIsAutoRenamed(t *testing.T) {
	data := testutils.RandomData(1000)
	srv := testutils.NewServer(t, data)
	dir := storage.NewMemDirectory()
	writeFile(t, dir, "file.bin", []byte("keep me"))

	eng := New(NewDownloadInfo(srv.URL+"/file.bin", "file.bin"), dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, "file (1).bin", eng.Info().Target)
	assert.Equal(t, []byte("keep me"), readAll(t, dir, "file.bin"))
	assert.Equal(t, data, readAll(t, dir, "file (1).bin"))
}

func TestResumeSingleSegment(t *testing.T) {
	data := testutils.RandomData(50 * 1024)
	srv := testutils.NewServer(t, data)
	dir := newTrackingDir()
	writeFile(t, dir, "f.bin", data[:1000])

	info := RestoreDownloadInfo(Snapshot{URL: srv.URL + "/f.bin", Target: "f.bin", Total: int64(len(data)), Count: 1000, RangeSupported: true, State: StateStop})
	eng := New(info, dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), nil))

	assert.Equal(t, data, readAll(t, dir, "f.bin"))
	assert.Equal(t, []string{"bytes=1000-"}, srv.Requests())
	assert.Zero(t, dir.open.Load())
}

func TestResumeWithInconsistentFileRestarts(t *testing.T) {
	data := testutils.RandomData(50 * 1024)
	srv := testutils.NewServer(t, data)
	dir := storage.NewMemDirectory()
	writeFile(t, dir, "f.bin", data[:500])

	info := RestoreDownloadInfo(Snapshot{URL: srv.URL + "/f.bin", Target: "f.bin", Total: int64(len(data)), Count: 1000, RangeSupported: true})
	eng := New(info, dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), nil))

	assert.Equal(t, data, readAll(t, dir, "f.bin"))
	assert.Equal(t, []string{""}, srv.Requests())
}

func TestFullResponseToRangedRequestIsFatal(t *testing.T) {
	data := testutils.RandomData(50 * 1024)
	srv := testutils.NewServer(t, data)
	srv.IgnoreRange()
	dir := newTrackingDir()
	writeFile(t, dir, "f.bin", data[:1000])

	info := RestoreDownloadInfo(Snapshot{URL: srv.URL + "/f.bin", Target: "f.bin", Total: int64(len(data)), Count: 1000, RangeSupported: true})
	eng := New(info, dir, httpSource(), testConfig())
	err := eng.Start(context.Background(), nil)

	require.ErrorIs(t, err, utils.ErrRangeNotHonored)
	snap := eng.Info()
	assert.Equal(t, StateError, snap.State)
	assert.ErrorIs(t, snap.Err, utils.ErrRangeNotHonored)
	assert.EqualValues(t, 1000, snap.Count)
	assert.Equal(t, data[:1000], readAll(t, dir, "f.bin"))
	assert.Equal(t, 1, srv.GetCount())
	assert.Zero(t, dir.open.Load())

	require.NoError(t, eng.Reset())
	assert.Zero(t, eng.Info().Count)
	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, "f.bin", eng.Info().Target)
	assert.Equal(t, data, readAll(t, dir, "f.bin"))
}

func TestTruncatedStreamIsFatal(t *testing.T) {
	data := testutils.RandomData(5000)
	srv := testutils.NewServer(t, data)
	srv.TruncateAt(1000)
	cfg := testConfig()
	cfg.Segments = 1

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), storage.NewMemDirectory(), httpSource(), cfg)
	err := eng.Start(context.Background(), nil)
	require.ErrorIs(t, err, utils.ErrTruncated)
	assert.Equal(t, StateError, eng.Info().State)
	assert.EqualValues(t, 1000, eng.Info().Count)
}

func TestRetryableStatusThenSuccess(t *testing.T) {
	data := testutils.RandomData(10 * 1024)
	srv := testutils.NewServer(t, data)
	srv.FailRange(0, 2, 503)

	rec := &recorder{}
	dir := storage.NewMemDirectory()
	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), rec.notify))

	assert.Equal(t, 2, rec.count(EventRetry, -1))
	assert.Equal(t, 3, srv.GetCount())
	assert.Equal(t, data, readAll(t, dir, "f"))
}

func TestRetriesExhausted(t *testing.T) {
	srv := testutils.NewServer(t, testutils.RandomData(1000))
	srv.FailRange(0, 100, 503)
	cfg := testConfig()
	cfg.Retry.MaxRetries = 2

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), storage.NewMemDirectory(), httpSource(), cfg)
	err := eng.Start(context.Background(), nil)
	var exhausted *utils.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, srv.GetCount())
	assert.Equal(t, StateError, eng.Info().State)
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	srv := testutils.NewServer(t, testutils.RandomData(1000))
	srv.FailRange(0, 1, 404)

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), storage.NewMemDirectory(), httpSource(), testConfig())
	err := eng.Start(context.Background(), nil)
	var httpErr *utils.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 404, httpErr.StatusCode)
	assert.Equal(t, 1, srv.GetCount())
}

func TestRedirectIsFollowed(t *testing.T) {
	data := testutils.RandomData(4096)
	srv := testutils.NewServer(t, data)
	srv.Redirect("/old", "/new")

	rec := &recorder{}
	dir := storage.NewMemDirectory()
	eng := New(NewDownloadInfo(srv.URL+"/old", "f"), dir, httpSource(), testConfig())
	require.NoError(t, eng.Start(context.Background(), rec.notify))

	assert.Equal(t, srv.URL+"/new", eng.Info().URL)
	assert.Equal(t, 1, rec.count(EventMoved, -1))
	assert.Equal(t, data, readAll(t, dir, "f"))
}

func TestStopWithinOneChunk(t *testing.T) {
	data := testutils.RandomData(1024 * 1024)
	srv := testutils.NewServer(t, data)
	srv.Throttle(2*time.Millisecond, 16*1024)
	dir := newTrackingDir()
	cfg := testConfig()
	cfg.Segments = 1

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), dir, httpSource(), cfg)
	var stoppedAt atomic.Int64
	stoppedAt.Store(-1)
	err := eng.Start(context.Background(), func(e Event) {
		if e.Kind == EventProgress && e.Snapshot.Count >= 64*1024 && stoppedAt.Load() < 0 {
			stoppedAt.Store(e.Snapshot.Count)
			eng.RequestStop()
		}
	})

	require.ErrorIs(t, err, utils.ErrInterrupted)
	snap := eng.Info()
	assert.Equal(t, StateStop, snap.State)
	assert.Equal(t, stoppedAt.Load(), snap.Count)
	assert.Equal(t, data[:snap.Count], readAll(t, dir, "f"))
	assert.Zero(t, dir.open.Load())

	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, StateDone, eng.Info().State)
	assert.Equal(t, data, readAll(t, dir, "f"))
	reqs := srv.Requests()
	assert.Equal(t, "bytes="+itoa(stoppedAt.Load())+"-", reqs[len(reqs)-1])
}

func TestStopRequestedBeforeStart(t *testing.T) {
	data := testutils.RandomData(10 * 1024)
	srv := testutils.NewServer(t, data)
	dir := storage.NewMemDirectory()
	cfg := testConfig()
	cfg.Segments = 1

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), dir, httpSource(), cfg)
	eng.RequestStop()
	err := eng.Start(context.Background(), nil)
	require.ErrorIs(t, err, utils.ErrInterrupted)
	assert.Equal(t, StateStop, eng.Info().State)
	assert.Zero(t, srv.GetCount())

	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, StateDone, eng.Info().State)
	assert.Equal(t, data, readAll(t, dir, "f"))
}

func TestCloseFailureFailsDownload(t *testing.T) {
	data := testutils.RandomData(10 * 1024)
	srv := testutils.NewServer(t, data)
	dir := newTrackingDir()
	dir.setFailClose("f")
	cfg := testConfig()
	cfg.Segments = 1

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), dir, httpSource(), cfg)
	err := eng.Start(context.Background(), nil)
	var storageErr *utils.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "close", storageErr.Op)
	assert.Equal(t, StateError, eng.Info().State)
	assert.Equal(t, 1, srv.GetCount())
}

func TestContextCancelStops(t *testing.T) {
	data := testutils.RandomData(512 * 1024)
	srv := testutils.NewServer(t, data)
	srv.Throttle(2*time.Millisecond, 16*1024)
	cfg := testConfig()
	cfg.Segments = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), storage.NewMemDirectory(), httpSource(), cfg)
	err := eng.Start(ctx, func(e Event) {
		if e.Kind == EventProgress && e.Snapshot.Count > 0 {
			cancel()
		}
	})
	require.ErrorIs(t, err, utils.ErrInterrupted)
	assert.Equal(t, StateStop, eng.Info().State)
	assert.Less(t, eng.Info().Count, int64(len(data)))
}

func TestStartWhileRunning(t *testing.T) {
	data := testutils.RandomData(256 * 1024)
	srv := testutils.NewServer(t, data)
	srv.Throttle(2*time.Millisecond, 16*1024)
	cfg := testConfig()
	cfg.Segments = 1

	eng := New(NewDownloadInfo(srv.URL+"/f", "f"), storage.NewMemDirectory(), httpSource(), cfg)
	var second error
	var once sync.Once
	require.NoError(t, eng.Start(context.Background(), func(e Event) {
		if e.Kind == EventProgress {
			once.Do(func() {
				second = eng.Start(context.Background(), nil)
				assert.ErrorIs(t, eng.Reset(), ErrAlreadyRunning)
			})
		}
	}))
	assert.ErrorIs(t, second, ErrAlreadyRunning)

	// finished downloads are not fetched again
	gets := srv.GetCount()
	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, gets, srv.GetCount())
}

func TestCanResume(t *testing.T) {
	dir := storage.NewMemDirectory()
	writeFile(t, dir, "empty", nil)
	writeFile(t, dir, "full", []byte("data"))
	empty, err := dir.Stat("empty")
	require.NoError(t, err)
	full, err := dir.Stat("full")
	require.NoError(t, err)

	tests := []struct {
		name  string
		count int64
		fi    fs.FileInfo
		want  bool
	}{
		{"fresh, no file", 0, nil, true},
		{"fresh, empty file", 0, empty, true},
		{"fresh, existing data", 0, full, false},
		{"progress, no file", 10, nil, false},
		{"progress, existing data", 4, full, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanResume(Snapshot{Count: tt.count}, tt.fi))
		})
	}
}

func TestRestoreDownloadInfo(t *testing.T) {
	snap := Snapshot{
		ID: "abc", URL: "http://h/f", Target: "f", Total: 100, Count: 999, State: StateError,
		Err: errors.New("boom"), RangeSupported: true,
		Segments: []Segment{
			{Index: 0, Start: 0, End: 50, Downloaded: 50, State: StateDone},
			{Index: 1, Start: 50, End: 100, Downloaded: 20, State: StateError, Err: errors.New("x")},
		},
	}
	got := RestoreDownloadInfo(snap).Snapshot()
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, StatePending, got.State)
	assert.Nil(t, got.Err)
	assert.EqualValues(t, 70, got.Count)
	assert.Equal(t, StateDone, got.Segments[0].State)
	assert.Equal(t, StatePending, got.Segments[1].State)
	assert.Nil(t, got.Segments[1].Err)
}
