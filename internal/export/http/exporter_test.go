package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSample struct {
	Metric string `json:"metric"`
	Value  uint64 `json:"value"`
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type capture struct {
	mu       sync.Mutex
	body     []byte
	headers  http.Header
	requests int
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		c.mu.Lock()
		c.body = body
		c.headers = r.Header.Clone()
		c.requests++
		c.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestExporter_ExportItems(t *testing.T) {
	var got capture

	srv := got.server(t, http.StatusOK)

	var results []ExportResult

	exporter, err := NewExporter[testSample](testLog(), Config{
		Enabled:     true,
		Address:     srv.URL,
		Compression: CompressionGzip,
		Headers:     map[string]string{"X-Custom-Header": "test-value"},
	}, func(r ExportResult) { results = append(results, r) })
	require.NoError(t, err)

	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testSample{
		{Metric: "SQ_WAVES", Value: 1},
		{Metric: "TCC_HIT", Value: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/x-ndjson", got.headers.Get("Content-Type"))
	assert.Equal(t, "gzip", got.headers.Get("Content-Encoding"))
	assert.Equal(t, "test-value", got.headers.Get("X-Custom-Header"))
	assert.True(t, strings.HasPrefix(got.headers.Get("User-Agent"), "queuetap/"))

	lines := strings.Split(strings.TrimSpace(string(decompress(t, CompressionGzip, got.body))), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"metric":"SQ_WAVES"`)
	assert.Contains(t, lines[1], `"metric":"TCC_HIT"`)

	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Items)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, len(got.body), results[0].Compressed)
}

func TestExporter_NoCompression(t *testing.T) {
	var got capture

	srv := got.server(t, http.StatusOK)

	exporter, err := NewExporter[testSample](testLog(), Config{
		Enabled:     true,
		Address:     srv.URL,
		Compression: CompressionNone,
	}, nil)
	require.NoError(t, err)

	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testSample{{Metric: "SQ_WAVES"}}))

	assert.Empty(t, got.headers.Get("Content-Encoding"))
	assert.Contains(t, string(got.body), `"metric":"SQ_WAVES"`)
}

func TestExporter_ServerError(t *testing.T) {
	var got capture

	srv := got.server(t, http.StatusInternalServerError)

	var result ExportResult

	exporter, err := NewExporter[testSample](testLog(), Config{
		Enabled:     true,
		Address:     srv.URL,
		Compression: CompressionNone,
	}, func(r ExportResult) { result = r })
	require.NoError(t, err)

	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testSample{{Metric: "SQ_WAVES"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 500")
	assert.Error(t, result.Err)
}

func TestExporter_EmptyBatch(t *testing.T) {
	var got capture

	srv := got.server(t, http.StatusOK)

	exporter, err := NewExporter[testSample](testLog(), Config{
		Enabled:     true,
		Address:     srv.URL,
		Compression: CompressionNone,
	}, nil)
	require.NoError(t, err)

	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testSample{}))
	assert.Zero(t, got.requests)
}

func TestNewExporter_InvalidConfig(t *testing.T) {
	_, err := NewExporter[testSample](testLog(), Config{Enabled: true}, nil)
	require.Error(t, err)
}
