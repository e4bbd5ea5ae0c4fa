// Package ingest decodes line-delimited JSON record streams into join
// records. Each stream has a fixed kind, so the record type is decided here
// once and never re-inferred downstream.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/join"
)

const maxLine = 4 << 20

// Stats counts what a Reader accepted and rejected.
type Stats struct {
	POIs     int `json:"pois"`
	Subjects int `json:"subjects"`
	Excluded int `json:"excluded"`
	Invalid  int `json:"invalid"`
}

// Reader decodes POI and subject streams.
type Reader struct {
	exclude *regexp.Regexp
	stats   Stats
	log     *zap.Logger
}

// NewReader creates a Reader. Subjects whose description matches
// excludePattern are dropped; an empty pattern keeps every subject.
func NewReader(excludePattern string) (*Reader, error) {
	r := &Reader{log: zap.L().With(zap.String("component", "ingest.reader"))}
	if excludePattern != "" {
		re, err := regexp.Compile(excludePattern)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: compile exclude pattern")
		}
		r.exclude = re
	}
	return r, nil
}

// Stats returns the counters accumulated so far.
func (r *Reader) Stats() Stats { return r.stats }

type poiLine struct {
	Tags        map[string]string `json:"tags"`
	Coordinates []float64         `json:"coordinates"`
}

type subjectLine struct {
	LonLat      []float64       `json:"lonlat"`
	UserID      json.RawMessage `json:"user_id"`
	Description string          `json:"description"`
	Text        string          `json:"text"`
}

// ReadPOIs decodes lines of the form {"tags":{...},"coordinates":[lon,lat]}
// and passes each POI to fn.
func (r *Reader) ReadPOIs(ctx context.Context, in io.Reader, fn func(join.Record) error) error {
	return r.scan(ctx, in, "poi", func(line []byte) (join.Record, bool, error) {
		var l poiLine
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, false, err
		}
		if len(l.Coordinates) != 2 {
			return nil, false, eris.Errorf("ingest: coordinates has %d values", len(l.Coordinates))
		}
		if l.Tags == nil {
			l.Tags = map[string]string{}
		}
		r.stats.POIs++
		return join.POI{Lon: l.Coordinates[0], Lat: l.Coordinates[1], Tags: l.Tags}, true, nil
	}, fn)
}

// ReadSubjects decodes lines of the form
// {"lonlat":[lon,lat],"user_id":...,"description":...,"text":...}
// and passes each subject not matching the exclude pattern to fn.
func (r *Reader) ReadSubjects(ctx context.Context, in io.Reader, fn func(join.Record) error) error {
	return r.scan(ctx, in, "subject", func(line []byte) (join.Record, bool, error) {
		var l subjectLine
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, false, err
		}
		if len(l.LonLat) != 2 {
			return nil, false, eris.Errorf("ingest: lonlat has %d values", len(l.LonLat))
		}
		if r.exclude != nil && l.Description != "" && r.exclude.MatchString(l.Description) {
			r.stats.Excluded++
			return nil, false, nil
		}
		r.stats.Subjects++
		return join.Subject{
			Lon:         l.LonLat[0],
			Lat:         l.LonLat[1],
			UserID:      userID(l.UserID),
			Description: l.Description,
			Text:        l.Text,
		}, true, nil
	}, fn)
}

func (r *Reader) scan(ctx context.Context, in io.Reader, kind string, decode func([]byte) (join.Record, bool, error), fn func(join.Record) error) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "ingest: cancelled")
			}
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, ok, err := decode(line)
		if err != nil {
			r.stats.Invalid++
			r.log.Debug("skipping invalid line", zap.String("kind", kind), zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return eris.Wrapf(err, "ingest: read %s stream", kind)
	}
	return nil
}

// userID accepts numeric or string ids.
func userID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if s, err := strconv.Unquote(string(raw)); err == nil {
		return s
	}
	return string(raw)
}
