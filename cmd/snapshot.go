package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/layer"
	"github.com/sells-group/geoattr/internal/snapshot"
)

var snapshotLayers []string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage prebuilt boundary index snapshots",
}

var snapshotBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Decode layer sources and write their snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("snapshot"); err != nil {
			return err
		}
		ctx := cmd.Context()
		src := newSource(cfg)

		for _, name := range selectedLayers(cfg, snapshotLayers) {
			lc, err := cfg.Layer(name)
			if err != nil {
				return err
			}
			meta, err := layer.BuildSnapshot(ctx, name, lc, src, cfg.Snapshot.Dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tbuilt\t%d features\t%s\n", name, meta.Features, meta.SourceSHA256)
		}
		return nil
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check layer snapshots against their current sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("snapshot"); err != nil {
			return err
		}
		ctx := cmd.Context()
		src := newSource(cfg)

		var failed int
		for _, name := range selectedLayers(cfg, snapshotLayers) {
			lc, err := cfg.Layer(name)
			if err != nil {
				return err
			}
			meta, err := layer.VerifySnapshot(ctx, name, lc, src, cfg.Snapshot.Dir)
			switch {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\t%d features\n", name, meta.Features)
			case errors.Is(err, snapshot.ErrNotFound):
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tmissing\n", name)
			case errors.Is(err, snapshot.ErrStale):
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tstale\n", name)
				zap.L().Warn("snapshot stale", zap.String("layer", name), zap.Error(err))
			default:
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d snapshot(s) missing or stale", failed)
		}
		return nil
	},
}

// selectedLayers returns names, or every configured layer sorted when empty.
func selectedLayers(c *config.Config, names []string) []string {
	if len(names) > 0 {
		return names
	}
	all := make([]string, 0, len(c.Layers))
	for name := range c.Layers {
		all = append(all, name)
	}
	sort.Strings(all)
	return all
}

func init() {
	snapshotCmd.PersistentFlags().StringSliceVar(&snapshotLayers, "layer", nil, "layers to process (default all)")
	snapshotCmd.AddCommand(snapshotBuildCmd, snapshotVerifyCmd)
	rootCmd.AddCommand(snapshotCmd)
}
