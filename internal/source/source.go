// Package source resolves boundary data descriptors (local paths or remote
// URLs) to bytes, caching remote bodies on disk by a hash of the descriptor.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/geoattr/internal/fetcher"
)

// InvalidSourceError reports a descriptor that is neither an existing local
// path nor a well-formed remote URL.
type InvalidSourceError struct {
	Descriptor string
	Reason     string
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("source: invalid descriptor %q: %s", e.Descriptor, e.Reason)
}

// Kind classifies a descriptor.
type Kind int

const (
	// Local is an existing file on disk.
	Local Kind = iota + 1
	// Remote is a URL fetched through the Fetcher.
	Remote
)

var remoteSchemes = map[string]bool{"http": true, "https": true, "ftp": true}

// Classify decides how descriptor resolves without performing network or
// cache I/O.
func Classify(descriptor string) (Kind, error) {
	if descriptor == "" {
		return 0, &InvalidSourceError{Descriptor: descriptor, Reason: "empty"}
	}
	if info, err := os.Stat(descriptor); err == nil {
		if info.IsDir() {
			return 0, &InvalidSourceError{Descriptor: descriptor, Reason: "is a directory"}
		}
		return Local, nil
	}
	u, err := url.Parse(descriptor)
	if err != nil {
		return 0, &InvalidSourceError{Descriptor: descriptor, Reason: "not a path or url"}
	}
	if !remoteSchemes[u.Scheme] {
		return 0, &InvalidSourceError{Descriptor: descriptor, Reason: "no such file and not an http(s) or ftp url"}
	}
	if u.Host == "" {
		return 0, &InvalidSourceError{Descriptor: descriptor, Reason: "url without host"}
	}
	return Remote, nil
}

// CacheKey returns the SHA-256 hex of the descriptor string.
func CacheKey(descriptor string) string {
	h := sha256.Sum256([]byte(descriptor))
	return fmt.Sprintf("%x", h)
}

// Source resolves descriptors. Remote bodies are written once per distinct
// descriptor under cacheDir and never invalidated; clear the directory to
// pick up upstream changes.
type Source struct {
	fetcher  fetcher.Fetcher
	cacheDir string
}

// New creates a Source fetching through f and caching under cacheDir.
func New(f fetcher.Fetcher, cacheDir string) *Source {
	return &Source{fetcher: f, cacheDir: cacheDir}
}

// CachePath returns where a remote descriptor's body is cached.
func (s *Source) CachePath(descriptor string) string {
	name := CacheKey(descriptor)
	if u, err := url.Parse(descriptor); err == nil {
		name += path.Ext(u.Path)
	}
	return filepath.Join(s.cacheDir, name)
}

// Resolve returns the normalized bytes behind descriptor.
func (s *Source) Resolve(ctx context.Context, descriptor string) ([]byte, error) {
	log := zap.L().With(
		zap.String("component", "source.resolve"),
		zap.String("descriptor", descriptor),
	)

	kind, err := Classify(descriptor)
	if err != nil {
		return nil, err
	}

	if kind == Local {
		data, err := os.ReadFile(descriptor)
		if err != nil {
			return nil, eris.Wrapf(err, "source: read %s", descriptor)
		}
		log.Debug("read local source", zap.Int("bytes", len(data)))
		return Normalize(data), nil
	}

	cachePath := s.CachePath(descriptor)
	if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
		log.Debug("source cache hit", zap.String("path", cachePath))
		return Normalize(data), nil
	}

	if s.fetcher == nil {
		return nil, eris.Errorf("source: no fetcher configured for %s", descriptor)
	}
	log.Info("fetching remote source")
	data, err := s.fetcher.Get(ctx, descriptor)
	if err != nil {
		return nil, eris.Wrapf(err, "source: fetch %s", descriptor)
	}

	if err := writeAtomic(cachePath, data); err != nil {
		return nil, err
	}
	log.Info("cached remote source", zap.String("path", cachePath), zap.Int("bytes", len(data)))
	return Normalize(data), nil
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "source: create cache dir")
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return eris.Wrap(err, "source: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "source: write cache file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "source: close cache file")
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "source: rename cache file")
	}
	return nil
}

var (
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte("\xef\xbb\xbf")
)

// IsZip reports whether data starts with a zip local file header.
func IsZip(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// Normalize returns text as UTF-8 without a byte order mark. Bytes that are
// not valid UTF-8 are decoded as ISO-8859-1. Zip archives pass through.
func Normalize(data []byte) []byte {
	if IsZip(data) {
		return data
	}
	if utf8.Valid(data) {
		return bytes.TrimPrefix(data, utf8BOM)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return out
}
