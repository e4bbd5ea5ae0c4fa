// Package fetcher retrieves remote boundary data over HTTP(S) and FTP.
// Fetches are single-shot: failures surface as *FetchError and are never
// retried here.
package fetcher

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rotisserie/eris"
)

// Fetcher downloads the body of a URL.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// FetchError reports a failed remote fetch. StatusCode is zero for
// transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Mux dispatches to a Fetcher by URL scheme.
type Mux struct {
	schemes map[string]Fetcher
}

// NewMux returns a Mux serving http and https with h and ftp with f. Either
// may be nil to leave those schemes unsupported.
func NewMux(h Fetcher, f Fetcher) *Mux {
	m := &Mux{schemes: make(map[string]Fetcher)}
	if h != nil {
		m.schemes["http"] = h
		m.schemes["https"] = h
	}
	if f != nil {
		m.schemes["ftp"] = f
	}
	return m
}

// Get fetches rawURL with the Fetcher registered for its scheme.
func (m *Mux) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	f, ok := m.schemes[u.Scheme]
	if !ok {
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
	return f.Get(ctx, rawURL)
}

// Supports reports whether scheme has a registered Fetcher.
func (m *Mux) Supports(scheme string) bool {
	_, ok := m.schemes[scheme]
	return ok
}
