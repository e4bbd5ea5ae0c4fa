package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattr/internal/fetcher"
)

type countingFetcher struct {
	calls atomic.Int32
	body  []byte
	err   error
}

func (c *countingFetcher) Get(_ context.Context, _ string) ([]byte, error) {
	c.calls.Add(1)
	return c.body, c.err
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "states.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))

	kind, err := Classify(file)
	require.NoError(t, err)
	assert.Equal(t, Local, kind)

	kind, err = Classify("https://example.com/states.json")
	require.NoError(t, err)
	assert.Equal(t, Remote, kind)

	kind, err = Classify("ftp://ftp2.census.gov/geo/tiger/a.zip")
	require.NoError(t, err)
	assert.Equal(t, Remote, kind)

	for _, bad := range []string{
		"",
		dir,
		filepath.Join(dir, "missing.json"),
		"s3://bucket/key",
		"http:///no-host",
		"not a url at all",
	} {
		_, err := Classify(bad)
		var ise *InvalidSourceError
		assert.True(t, errors.As(err, &ise), "descriptor %q", bad)
	}
}

func TestResolve_InvalidBeforeIO(t *testing.T) {
	f := &countingFetcher{}
	cacheDir := filepath.Join(t.TempDir(), "cache")
	s := New(f, cacheDir)

	_, err := s.Resolve(context.Background(), "mailto:someone@example.com")
	var ise *InvalidSourceError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, int32(0), f.calls.Load())

	_, statErr := os.Stat(cacheDir)
	assert.True(t, os.IsNotExist(statErr), "no cache dir should be created")
}

func TestResolve_LocalFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "counties.json")
	require.NoError(t, os.WriteFile(file, []byte("\xef\xbb\xbf{\"a\":1}"), 0o644))

	f := &countingFetcher{}
	data, err := New(f, dir).Resolve(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestResolve_RemoteCachedOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"type":"FeatureCollection"}`))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	s := New(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), cacheDir)
	url := srv.URL + "/metro.json"

	first, err := s.Resolve(context.Background(), url)
	require.NoError(t, err)
	second, err := s.Resolve(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())

	cached := s.CachePath(url)
	assert.Equal(t, filepath.Join(cacheDir, CacheKey(url)+".json"), cached)
	data, err := os.ReadFile(cached)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"FeatureCollection"}`, string(data))

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestResolve_FetchErrorNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	s := New(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), cacheDir)

	_, err := s.Resolve(context.Background(), srv.URL+"/missing.json")
	var fe *fetcher.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("https://example.com/a.json")
	assert.Len(t, a, 64)
	assert.Equal(t, a, CacheKey("https://example.com/a.json"))
	assert.NotEqual(t, a, CacheKey("https://example.com/b.json"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "plain", string(Normalize([]byte("plain"))))
	assert.Equal(t, "bom", string(Normalize([]byte("\xef\xbb\xbfbom"))))
	// 0xF3 is ó in ISO-8859-1.
	assert.Equal(t, "Bayamón", string(Normalize([]byte("Bayam\xf3n"))))

	zip := []byte("PK\x03\x04\xff\xfe")
	assert.Equal(t, zip, Normalize(zip))
	assert.True(t, IsZip(zip))
}
