package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/ingest"
	"github.com/sells-group/geoattr/internal/join"
	"github.com/sells-group/geoattr/internal/layer"
	"github.com/sells-group/geoattr/internal/spatial"
	"github.com/sells-group/geoattr/pkg/proj"
)

var (
	attributeLayer  string
	attributeIn     string
	attributeOut    string
	attributeRadius float64
)

// attribution is one output line of the attribute command.
type attribution struct {
	Lon        float64            `json:"lon"`
	Lat        float64            `json:"lat"`
	Region     string             `json:"region"`
	Properties spatial.Properties `json:"properties"`
}

var attributeCmd = &cobra.Command{
	Use:   "attribute",
	Short: "Attribute subject records to a boundary layer's regions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("attribute"); err != nil {
			return err
		}
		ctx := cmd.Context()

		l, err := openLayer(ctx, cfg, attributeLayer)
		if err != nil {
			return err
		}

		in, err := openInput(attributeIn)
		if err != nil {
			return err
		}
		defer in.Close() //nolint:errcheck

		out, closeOut, err := openOutput(attributeOut)
		if err != nil {
			return err
		}
		defer closeOut()

		n, err := attributeSubjects(ctx, cfg, l, in, out, attributeRadius)
		if err != nil {
			return err
		}

		l.Cache.LogStats("attribution cache")
		zap.L().Info("attribute complete", zap.String("layer", l.Name), zap.Int("written", n))
		return nil
	},
}

// attributeSubjects writes one JSON line per valid subject read from in.
func attributeSubjects(ctx context.Context, c *config.Config, l *layer.Layer, in io.Reader, out io.Writer, radius float64) (int, error) {
	reader, err := ingest.NewReader(c.Ingest.SubjectExcludePattern)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(out)
	written := 0
	err = reader.ReadSubjects(ctx, in, func(rec join.Record) error {
		lon, lat := rec.Point()
		region, props, err := l.Attribute(lon, lat, radius)
		if err != nil {
			var coordErr *proj.InvalidCoordinateError
			if errors.As(err, &coordErr) {
				return nil
			}
			return err
		}
		written++
		return enc.Encode(attribution{Lon: lon, Lat: lat, Region: region, Properties: props})
	})
	return written, eris.Wrap(err, "attribute: read subjects")
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	return f, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "create %s", path)
	}
	return f, func() { _ = f.Close() }, nil
}

func init() {
	attributeCmd.Flags().StringVar(&attributeLayer, "layer", "county", "boundary layer to attribute against")
	attributeCmd.Flags().StringVar(&attributeIn, "in", "-", "subject JSON lines file (- for stdin)")
	attributeCmd.Flags().StringVar(&attributeOut, "out", "-", "output JSON lines file (- for stdout)")
	attributeCmd.Flags().Float64Var(&attributeRadius, "radius", 0, "buffer radius in the layer's index units")
	rootCmd.AddCommand(attributeCmd)
}
