package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/ingest"
	"github.com/sells-group/geoattr/internal/join"
	"github.com/sells-group/geoattr/internal/layer"
	"github.com/sells-group/geoattr/internal/pipeline"
	"github.com/sells-group/geoattr/internal/store"
)

var (
	joinPOIs      string
	joinSubjects  string
	joinTaggedOut string
	joinPersist   bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Count nearby point-of-interest names per region for subject records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("join"); err != nil {
			return err
		}
		ctx := cmd.Context()

		coarse, err := openLayer(ctx, cfg, cfg.Join.CoarseLayer)
		if err != nil {
			return err
		}

		pois, err := openInput(joinPOIs)
		if err != nil {
			return err
		}
		defer pois.Close() //nolint:errcheck

		subjects, err := openInput(joinSubjects)
		if err != nil {
			return err
		}
		defer subjects.Close() //nolint:errcheck

		var tagged io.Writer
		if joinTaggedOut != "" {
			w, closeTagged, err := openOutput(joinTaggedOut)
			if err != nil {
				return err
			}
			defer closeTagged()
			tagged = w
		}

		res, err := runJoin(ctx, cfg, coarse, pois, subjects, tagged)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, c := range res.Counts {
			fmt.Fprintf(out, "%s\t%d\t%s\n", c.Region, c.Count, c.Tag)
		}

		if joinPersist {
			return persistCounts(ctx, cfg, res.Counts)
		}
		return nil
	},
}

// runJoin wires Phase 1 against the coarse layer, Phase 2 and the
// aggregation.
func runJoin(ctx context.Context, c *config.Config, coarse *layer.Layer, pois, subjects io.Reader, tagged io.Writer) (*pipeline.Result, error) {
	order, err := join.ParseOrder(c.Join.Order)
	if err != nil {
		return nil, err
	}
	engine, err := join.NewEngine(join.EngineConfig{
		FineRadius:    c.Join.FineRadiusM,
		FinePrecision: c.Join.FinePrecision,
		TagKeys:       c.Join.TagKeys,
		ValueKey:      c.Join.ValueKey,
		Order:         order,
	})
	if err != nil {
		return nil, err
	}
	reader, err := ingest.NewReader(c.Ingest.SubjectExcludePattern)
	if err != nil {
		return nil, err
	}
	tagger := join.NewTagger(coarse.Cache, c.Join.CoarseRadiusM, coarse.Config.RegionProperty)

	runner := pipeline.New(tagger, engine, reader, pipeline.Options{
		Workers:   c.Join.Workers,
		MinCount:  c.Join.MinCount,
		TaggedOut: tagged,
	})
	res, err := runner.Run(ctx, pois, subjects)
	if err != nil {
		return nil, err
	}
	coarse.Cache.LogStats("coarse cache")
	return res, nil
}

func persistCounts(ctx context.Context, c *config.Config, counts []join.TagCount) error {
	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return err
	}
	if st == nil {
		zap.L().Warn("--persist set but store.driver is none; skipping")
		return nil
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	run := store.NewRun(c.Join.CoarseLayer, c.Join.MinCount)
	if err := st.SaveRun(ctx, run, counts); err != nil {
		return err
	}
	zap.L().Info("join results persisted",
		zap.String("run_id", run.ID),
		zap.String("driver", c.Store.Driver),
		zap.Int("rows", len(counts)),
	)
	return nil
}

func init() {
	joinCmd.Flags().StringVar(&joinPOIs, "pois", "", "POI JSON lines file")
	joinCmd.Flags().StringVar(&joinSubjects, "subjects", "", "subject JSON lines file")
	joinCmd.Flags().StringVar(&joinTaggedOut, "tagged-out", "", "write Phase 1 emissions as JSON lines to this file")
	joinCmd.Flags().BoolVar(&joinPersist, "persist", false, "save results to the configured store")
	_ = joinCmd.MarkFlagRequired("pois")
	_ = joinCmd.MarkFlagRequired("subjects")
	rootCmd.AddCommand(joinCmd)
}
