// Package ingest holds the provider-agnostic normalization step between raw
// upstream readings and store rows: product name and type mapping, value and
// coordinate rounding, and timestamp truncation.
package ingest

import (
	"math"
	"strings"
	"time"
)

// productMapping pairs a long upstream parameter name fragment with its short
// persisted code. Matching is by substring containment against the raw
// parameter, first match wins, so order matters: more specific fragments come
// before fragments they contain.
type productMapping struct {
	fragment string
	code     string
}

// productNames maps upstream parameter fragments to persisted product codes.
var productNames = []productMapping{
	{"acceleration", "a"},
	{"air_temperature", "at"},
	{"battery_temperature", "bt"},
	{"currents_bin", "cb"},
	{"currents_direction", "cd"},
	{"currents_predictions_depth", "cdpth"},
	{"currents_speed", "cs"},
	{"depth", "depth"},
	{"ebb_direction", "ced"},
	{"flood_direction", "cfd"},
	{"momsn", "momsn"},
	{"position_delta", "pd"},
	{"previous_latitude", "plat"},
	{"previous_longitude", "plon"},
	{"tide", "t"},
	{"uc_temperature", "uct"},
	{"velocity_major", "cvm"},
	{"water_level", "wl"},
	{"water_temperature", "wt"},
	{"wind_speed", "ws"},
	{"wind_cardinal_direction", "wcd"},
	{"wind_direction", "wd"},
	{"wind_gust_speed", "wgs"},
	{"wind_quartod_flags", "w"},
	{"wlp", "wl"},
}

// productTypes maps upstream parameter fragments to persisted measurement
// type codes. Parameters matching no fragment are raw readings.
var productTypes = []productMapping{
	{"mean", "m"},
	{"prediction", "pr"},
	{"predictions_mean", "prm"},
	{"quality", "q"},
	{"quartod_flags", "qf"},
	{"q1", "q1"},
	{"q2", "q2"},
	{"q3", "q3"},
	{"standard_deviation", "sd"},
	{"water_level_prediction_highs_lows", "prhl"},
	{"wlp-bores", "prb"},
}

// RawType is the measurement type code for a plain reading.
const RawType = "r"

// MapProduct resolves an upstream parameter name to its short product code.
// The second return is false when no known product fragment appears in the
// parameter; such readings carry nothing the store models and are skipped.
func MapProduct(parameter string) (string, bool) {
	for _, m := range productNames {
		if strings.Contains(parameter, m.fragment) {
			return m.code, true
		}
	}
	return "", false
}

// MapType resolves an upstream parameter name to its measurement type code,
// defaulting to RawType.
func MapType(parameter string) string {
	for _, m := range productTypes {
		if strings.Contains(parameter, m.fragment) {
			return m.code
		}
	}
	return RawType
}

// RoundValue rounds a measurement value to 3 decimal places, the store's
// declared value precision.
func RoundValue(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// RoundCoordinate rounds a latitude or longitude to 6 decimal places. Events
// are unique on (time, position, sensor), so coordinates must round
// identically across ingestion runs for deduplication to hold.
func RoundCoordinate(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// TruncateTime drops sub-second precision and forces UTC, the granularity
// event uniqueness is keyed on.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
