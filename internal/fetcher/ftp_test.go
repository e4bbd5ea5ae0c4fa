package fetcher

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "census tiger archive",
			url:      "ftp://ftp2.census.gov/geo/tiger/TIGER2020/CBSA/tl_2020_us_cbsa.zip",
			wantHost: "ftp2.census.gov:21",
			wantPath: "/geo/tiger/TIGER2020/CBSA/tl_2020_us_cbsa.zip",
		},
		{
			name:     "explicit port",
			url:      "ftp://ftp.example.com:2121/boundaries/states.json",
			wantHost: "ftp.example.com:2121",
			wantPath: "/boundaries/states.json",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/states.json",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.com",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_DefaultTimeout(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
}

func TestFTPGet_BadURL(t *testing.T) {
	_, err := NewFTPFetcher(FTPOptions{}).Get(context.Background(), "ftp://host-only")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "ftp://host-only", fe.URL)
}

func TestFTPGet_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewFTPFetcher(FTPOptions{Timeout: time.Second}).Get(context.Background(), "ftp://"+addr+"/a.zip")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.StatusCode)
}
