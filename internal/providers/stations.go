package providers

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"driftwatch/internal/types"
)

// LoadStations reads the station metadata TSV and groups the rows by their
// source column ("noaa", "dfo"). The file ships with the deployment; station
// networks change rarely enough that the roster is data, not an API call.
//
// Columns: station_id, station_name, state, established, timezone, lat, lon,
// source. Established values come in per-network formats and are normalized
// to ISO dates here.
func LoadStations(path string) (map[string][]types.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening stations file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = '\t'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeSerializationFailure, "reading stations tsv", err)
	}
	if len(records) < 2 {
		return map[string][]types.Station{}, nil
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[name] = i
	}
	for _, required := range []string{"station_id", "station_name", "lat", "lon", "source"} {
		if _, ok := cols[required]; !ok {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"stations tsv missing column", nil, map[string]any{"column": required})
		}
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	bySource := make(map[string][]types.Station)
	for _, record := range records[1:] {
		lat, err := strconv.ParseFloat(field(record, "lat"), 64)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidValue,
				"invalid station latitude", err, map[string]any{"station": field(record, "station_id")})
		}
		lon, err := strconv.ParseFloat(field(record, "lon"), 64)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidValue,
				"invalid station longitude", err, map[string]any{"station": field(record, "station_id")})
		}

		source := field(record, "source")
		bySource[source] = append(bySource[source], types.Station{
			ID:          field(record, "station_id"),
			Name:        field(record, "station_name"),
			State:       normalizeState(field(record, "state")),
			Established: normalizeEstablished(field(record, "established")),
			Timezone:    field(record, "timezone"),
			Latitude:    lat,
			Longitude:   lon,
		})
	}
	return bySource, nil
}

func normalizeState(state string) string {
	if state == "United States of America" {
		return "US"
	}
	return state
}

// normalizeEstablished reduces per-network establishment formats to an ISO
// date: full timestamps are truncated, bare years become January 1st.
func normalizeEstablished(established string) string {
	switch {
	case len(established) > 10:
		return established[:10]
	case len(established) == 4:
		return established + "-01-01"
	default:
		return established
	}
}
