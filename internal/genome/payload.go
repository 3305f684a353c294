package genome

import (
	"fmt"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// UpdatePayload is the STRATEGY_UPDATE body announcing g as the best
// genome of a generation.
func UpdatePayload(g Genome, generation int, window types.Window) types.Payload {
	var result types.FitnessResult
	if g.Fitness != nil {
		result = *g.Fitness
	}
	m := make(map[string]float64, len(result.Metrics))
	for k, v := range result.Metrics {
		m[k] = v
	}
	return types.NewPayload(
		types.F("genome_id", g.ID),
		types.F("generation", generation),
		types.F("species", g.Species),
		types.F("schema_version", g.SchemaVersion),
		types.F("parameters", append([]float64{}, g.Parameters...)),
		types.F("lineage", append([]string{}, g.Lineage...)),
		types.F("scalar_score", result.Score),
		types.F("metrics", m),
		types.F("window_start", window.Start.UnixMilli()),
		types.F("window_end", window.End.UnixMilli()),
	)
}

// FromPayload rebuilds the announced genome. It accepts both the
// in-process form and the JSON-decoded form of a remote message.
func FromPayload(p types.Payload) (Genome, error) {
	id := p.String("genome_id")
	if id == "" {
		return Genome{}, fmt.Errorf("strategy update has no genome_id")
	}
	params, err := floats(p, "parameters")
	if err != nil {
		return Genome{}, err
	}
	g := Genome{ID: id, Species: p.String("species"), Parameters: params}
	if v, ok := p.Float("schema_version"); ok {
		g.SchemaVersion = int(v)
	}
	if v, ok := p.Float("generation"); ok {
		g.Generation = int(v)
	}
	if raw, ok := p.Get("lineage"); ok {
		switch l := raw.(type) {
		case []string:
			g.Lineage = append([]string(nil), l...)
		case []any:
			for _, v := range l {
				if s, ok := v.(string); ok {
					g.Lineage = append(g.Lineage, s)
				}
			}
		}
	}
	return g, nil
}

func floats(p types.Payload, key string) ([]float64, error) {
	raw, ok := p.Get(key)
	if !ok {
		return nil, fmt.Errorf("payload has no %s", key)
	}
	switch v := raw.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []any:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is %T, not a number", key, i, x)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s is %T, not a list", key, raw)
	}
}
