package boundary

import (
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/spatial"
)

type rawCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

// decodeGeoJSON decodes a FeatureCollection one feature at a time so a bad
// feature costs only itself. Feature ids are positions in the collection.
func decodeGeoJSON(data []byte, o *options) ([]spatial.Feature, error) {
	log := zap.L().With(zap.String("component", "boundary.geojson"))

	var fc rawCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "boundary: parse feature collection")
	}
	if fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("boundary: expected FeatureCollection, got %q", fc.Type)
	}

	out := make([]spatial.Feature, 0, len(fc.Features))
	skipped := 0
	for i, raw := range fc.Features {
		var f geojson.Feature
		if err := f.UnmarshalJSON(raw); err != nil {
			log.Debug("skipping undecodable feature", zap.Int("position", i), zap.Error(err))
			skipped++
			continue
		}
		feat, ok := finalize(int64(i), f.Geometry, stringify(f.Properties), o, log)
		if !ok {
			skipped++
			continue
		}
		out = append(out, feat)
	}

	log.Info("decoded feature collection",
		zap.Int("features", len(out)),
		zap.Int("skipped", skipped),
	)
	return out, nil
}

// stringify flattens GeoJSON property values to strings. Nulls are dropped;
// nested values are kept as their JSON text.
func stringify(props map[string]any) spatial.Properties {
	out := make(spatial.Properties, len(props))
	for k, v := range props {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
