package engine

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/segget/internal/storage"
	"github.com/tanq16/segget/internal/testutils"
)

func TestSnapshotSurvivesRestart(t *testing.T) {
	data := testutils.RandomData(256 * 1024)
	srv := testutils.NewServer(t, data)
	dir := storage.NewMemDirectory()
	cfg := testConfig()

	segs := planSegments(int64(len(data)), 4)
	segs[0].Downloaded = segs[0].Len()
	segs[0].State = StateDone
	segs[3].Downloaded = 100
	segs[3].State = StateStop
	writeFile(t, dir, cfg.TempDir+"/f.part0", data[:segs[0].End])
	writeFile(t, dir, cfg.TempDir+"/f.part3", data[segs[3].Start:segs[3].Start+100])

	snap := Snapshot{ID: "job-1", URL: srv.URL + "/f", Target: "f", Total: int64(len(data)), Count: segs[0].Len() + 100,
		State: StateStop, RangeSupported: true, ETag: `"test-etag"`, Segments: segs}
	require.NoError(t, SaveSnapshot(dir, cfg.StateFile("f"), snap))

	loaded, err := LoadSnapshot(dir, cfg.StateFile("f"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", loaded.ID)
	assert.Equal(t, StateStop, loaded.State)
	assert.Equal(t, segs, loaded.Segments)

	eng := New(RestoreDownloadInfo(loaded), dir, httpSource(), cfg)
	require.NoError(t, eng.Start(context.Background(), nil))
	assert.Equal(t, data, readAll(t, dir, "f"))
	assert.NotContains(t, srv.Requests(), "bytes=0-65535")
	assert.Contains(t, srv.Requests(), "bytes="+itoa(segs[3].Start+100)+"-"+itoa(segs[3].End-1))
}

func TestLoadSnapshotMissing(t *testing.T) {
	_, err := LoadSnapshot(storage.NewMemDirectory(), "nope.state")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestStateFile(t *testing.T) {
	assert.Equal(t, ".segget-temp/movie.mkv.state", DefaultConfig().StateFile("movie.mkv"))
	assert.Equal(t, ".segget-temp/x.state", Config{}.StateFile("x"))
}
