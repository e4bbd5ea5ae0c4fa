// Package pipeline runs the coarse-to-fine join locally: Phase 1 tagging,
// an in-memory shuffle sorted POI-first, Phase 2 per region on a bounded
// worker group, and the final min-count aggregation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoattr/internal/ingest"
	"github.com/sells-group/geoattr/internal/join"
	"github.com/sells-group/geoattr/pkg/proj"
)

// Options configures a Runner.
type Options struct {
	// Workers bounds concurrent Phase 2 partitions.
	Workers int
	// MinCount drops aggregated totals below it.
	MinCount int
	// TaggedOut, when set, receives every Phase 1 emission as a JSON
	// join.Envelope per line.
	TaggedOut io.Writer
}

// Result summarizes a run.
type Result struct {
	Counts             []join.TagCount  `json:"counts"`
	Regions            int              `json:"regions"`
	InvalidCoordinates int              `json:"invalid_coordinates"`
	Tagger             join.TaggerStats `json:"tagger"`
	Ingest             ingest.Stats     `json:"ingest"`
}

// Runner wires the join phases together.
type Runner struct {
	tagger *join.Tagger
	engine *join.Engine
	reader *ingest.Reader
	opts   Options
}

// New creates a Runner.
func New(tagger *join.Tagger, engine *join.Engine, reader *ingest.Reader, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{tagger: tagger, engine: engine, reader: reader, opts: opts}
}

// Run joins the POI stream against the subject stream.
func (r *Runner) Run(ctx context.Context, pois, subjects io.Reader) (*Result, error) {
	log := zap.L().With(zap.String("component", "pipeline.run"))
	res := &Result{}

	partitions, err := r.tag(ctx, pois, subjects, res)
	if err != nil {
		return nil, err
	}
	res.Tagger = r.tagger.Stats()
	res.Ingest = r.reader.Stats()
	res.Regions = len(partitions)
	r.tagger.LogStats()

	shuffle(partitions)

	counter := join.NewCounter()
	if err := r.reduce(ctx, partitions, counter); err != nil {
		return nil, err
	}

	res.Counts = join.Aggregate(counter.Counts(), r.opts.MinCount)
	log.Info("join complete",
		zap.Int("regions", res.Regions),
		zap.Int("rows", len(res.Counts)),
		zap.Int("invalid_coordinates", res.InvalidCoordinates),
		zap.Int("excluded_subjects", res.Ingest.Excluded),
	)
	return res, nil
}

// tag runs Phase 1 over both streams and groups output by region.
func (r *Runner) tag(ctx context.Context, pois, subjects io.Reader, res *Result) (map[string][]join.Record, error) {
	partitions := make(map[string][]join.Record)
	var enc *json.Encoder
	if r.opts.TaggedOut != nil {
		enc = json.NewEncoder(r.opts.TaggedOut)
	}

	emit := func(region string, rec join.Record) error {
		partitions[region] = append(partitions[region], rec)
		if enc != nil {
			if err := enc.Encode(join.Wrap(region, rec)); err != nil {
				return eris.Wrap(err, "pipeline: write tagged record")
			}
		}
		return nil
	}
	mapOne := func(rec join.Record) error {
		err := r.tagger.Map(rec, emit)
		var coordErr *proj.InvalidCoordinateError
		if errors.As(err, &coordErr) {
			res.InvalidCoordinates++
			return nil
		}
		return err
	}

	if err := r.reader.ReadPOIs(ctx, pois, mapOne); err != nil {
		return nil, eris.Wrap(err, "pipeline: phase 1 pois")
	}
	if err := r.reader.ReadSubjects(ctx, subjects, mapOne); err != nil {
		return nil, eris.Wrap(err, "pipeline: phase 1 subjects")
	}
	return partitions, nil
}

// shuffle orders each partition POI-first, as a sort-before-reduce
// substrate would.
func shuffle(partitions map[string][]join.Record) {
	for _, recs := range partitions {
		slices.SortStableFunc(recs, func(a, b join.Record) int {
			return int(a.Kind()) - int(b.Kind())
		})
	}
}

// reduce runs Phase 2 for every region on at most Workers goroutines. Each
// Reduce call owns its ephemeral index.
func (r *Runner) reduce(ctx context.Context, partitions map[string][]join.Record, counter *join.Counter) error {
	regions := make([]string, 0, len(partitions))
	for region := range partitions {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, region := range regions {
		recs := partitions[region]
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return r.engine.Reduce(region, slices.Values(recs), counter.Emit)
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "pipeline: phase 2")
	}
	return nil
}
