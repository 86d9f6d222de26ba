package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/segget/internal/storage"
	"github.com/tanq16/segget/internal/testutils"
	"github.com/tanq16/segget/internal/utils"
)

// grownServer advertises size on HEAD but answers ranged GETs from data,
// which is larger, as if the resource changed in between.
func grownServer(t *testing.T, size int64, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			return
		}
		from, to, _ := strings.Cut(strings.TrimPrefix(r.Header.Get("Range"), "bytes="), "-")
		start, _ := strconv.ParseInt(from, 10, 64)
		end := int64(len(data)) - 1
		if to != "" {
			end, _ = strconv.ParseInt(to, 10, 64)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResumeAgainstResizedResourceIsFatal(t *testing.T) {
	data := testutils.RandomData(60000)
	srv := grownServer(t, 50000, data)
	dir := storage.NewMemDirectory()
	writeFile(t, dir, "f.bin", data[:1000])
	cfg := testConfig()
	cfg.Segments = 1

	info := RestoreDownloadInfo(Snapshot{URL: srv.URL + "/f.bin", Target: "f.bin", Total: 50000, Count: 1000, RangeSupported: true, State: StateStop})
	eng := New(info, dir, httpSource(), cfg)
	err := eng.Start(context.Background(), nil)
	require.ErrorIs(t, err, utils.ErrRangeNotHonored)
	assert.Equal(t, StateError, eng.Info().State)
	assert.Equal(t, data[:1000], readAll(t, dir, "f.bin"))
}

func TestSegmentAgainstResizedResourceIsFatal(t *testing.T) {
	data := testutils.RandomData(200 * 1024)
	srv := grownServer(t, 128*1024, data)
	dir := storage.NewMemDirectory()
	cfg := testConfig()
	cfg.Segments = 4

	eng := New(NewDownloadInfo(srv.URL+"/f.bin", "f.bin"), dir, httpSource(), cfg)
	err := eng.Start(context.Background(), nil)
	var mpErr *utils.MultipartError
	require.ErrorAs(t, err, &mpErr)
	assert.ErrorIs(t, err, utils.ErrRangeNotHonored)
	assert.Equal(t, StateError, eng.Info().State)
	assert.Zero(t, eng.Info().Count)
}
