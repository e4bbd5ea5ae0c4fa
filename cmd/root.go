package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/fetcher"
	"github.com/sells-group/geoattr/internal/layer"
	"github.com/sells-group/geoattr/internal/source"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "geoattr",
	Short: "Geospatial attribution and proximity joins",
	Long:  "Attributes points to boundary regions (counties, metro areas) and joins subjects against nearby points of interest.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// newSource builds the boundary source resolver from config.
func newSource(c *config.Config) *source.Source {
	timeout := time.Duration(c.Source.HTTPTimeoutSecs) * time.Second
	f := fetcher.NewMux(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:    c.Source.UserAgent,
			Timeout:      timeout,
			RateLimiters: fetcher.DefaultRateLimiters(),
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout}),
	)
	return source.New(f, c.Source.CacheDir)
}

// openLayer opens a configured layer, using snapshots when enabled.
func openLayer(ctx context.Context, c *config.Config, name string) (*layer.Layer, error) {
	lc, err := c.Layer(name)
	if err != nil {
		return nil, err
	}
	var opts []layer.Option
	if c.Snapshot.Enabled {
		opts = append(opts, layer.WithSnapshotDir(c.Snapshot.Dir))
	}
	return layer.Open(ctx, name, lc, newSource(c), opts...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
