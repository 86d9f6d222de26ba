package source

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/segget/internal/testutils"
	"github.com/tanq16/segget/internal/utils"
)

func newHTTPSource() *HTTP {
	return NewHTTP(utils.NewHTTPClient(utils.HTTPClientConfig{}))
}

func TestHTTPProbe(t *testing.T) {
	data := testutils.RandomData(4096)
	srv := testutils.NewServer(t, data)

	res, err := newHTTPSource().Probe(context.Background(), srv.URL+"/files/archive.tar")
	require.NoError(t, err)
	assert.EqualValues(t, len(data), res.Size)
	assert.True(t, res.AcceptRanges)
	assert.Equal(t, `"test-etag"`, res.ETag)
}

func TestHTTPProbeFallsBackToRangedGet(t *testing.T) {
	data := testutils.RandomData(2048)
	srv := testutils.NewServer(t, data)
	srv.DisableHead()

	res, err := newHTTPSource().Probe(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	assert.EqualValues(t, len(data), res.Size)
	assert.True(t, res.AcceptRanges)
	assert.Equal(t, []string{"bytes=0-0"}, srv.Requests())
}

func TestHTTPProbeWithoutRangeSupport(t *testing.T) {
	srv := testutils.NewServer(t, testutils.RandomData(100))
	srv.DisableRanges()

	res, err := newHTTPSource().Probe(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	assert.False(t, res.AcceptRanges)
	assert.EqualValues(t, 100, res.Size)
}

func TestHTTPProbeReportsRedirect(t *testing.T) {
	srv := testutils.NewServer(t, testutils.RandomData(10))
	srv.Redirect("/old", "/new")

	_, err := newHTTPSource().Probe(context.Background(), srv.URL+"/old")
	var moved *utils.MovedError
	require.ErrorAs(t, err, &moved)
	assert.Equal(t, srv.URL+"/new", moved.Location)
}

func TestHTTPProbeRejectsScheme(t *testing.T) {
	_, err := newHTTPSource().Probe(context.Background(), "ftp://example.com/f")
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestHTTPOpenRange(t *testing.T) {
	data := testutils.RandomData(8192)
	srv := testutils.NewServer(t, data)

	resp, err := newHTTPSource().Open(context.Background(), Request{URL: srv.URL + "/f", Offset: 1000, End: 3000})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.EqualValues(t, 2000, resp.Length)
	assert.EqualValues(t, len(data), resp.Total)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[1000:3000], got)
	assert.Equal(t, []string{"bytes=1000-2999"}, srv.Requests())
}

func TestHTTPOpenRangeIgnored(t *testing.T) {
	srv := testutils.NewServer(t, testutils.RandomData(1024))
	srv.IgnoreRange()

	_, err := newHTTPSource().Open(context.Background(), Request{URL: srv.URL + "/f", Offset: 512})
	assert.ErrorIs(t, err, utils.ErrRangeNotHonored)
}

func TestHTTPOpenServerError(t *testing.T) {
	srv := testutils.NewServer(t, testutils.RandomData(1024))
	srv.FailRange(0, 1, http.StatusServiceUnavailable)

	_, err := newHTTPSource().Open(context.Background(), Request{URL: srv.URL + "/f"})
	var httpErr *utils.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.True(t, httpErr.Retryable())
}

func TestHTTPOpenConnectionRefused(t *testing.T) {
	srv := testutils.NewServer(t, nil)
	link := srv.URL + "/f"
	srv.Close()

	_, err := newHTTPSource().Open(context.Background(), Request{URL: link})
	var transportErr *utils.TransportError
	assert.ErrorAs(t, err, &transportErr)
}
