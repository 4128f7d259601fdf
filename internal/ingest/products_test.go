package ingest

import (
	"testing"
	"time"
)

func TestMapProduct(t *testing.T) {
	tests := []struct {
		parameter string
		want      string
		wantOK    bool
	}{
		{"water_temperature", "wt", true},
		{"water_temperature_mean", "wt", true},
		{"air_temperature", "at", true},
		{"currents_speed", "cs", true},
		{"currents_direction", "cd", true},
		{"wind_gust_speed", "wgs", true},
		{"wlp", "wl", true},
		{"salinity", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.parameter, func(t *testing.T) {
			got, ok := MapProduct(tt.parameter)
			if ok != tt.wantOK {
				t.Fatalf("MapProduct(%q) ok=%v, want %v", tt.parameter, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("MapProduct(%q)=%q, want %q", tt.parameter, got, tt.want)
			}
		})
	}
}

func TestMapProduct_FirstFragmentWins(t *testing.T) {
	// "water_level" precedes "wlp" in the mapping, and a wlp parameter also
	// maps to the water level product code.
	if got, _ := MapProduct("water_level_prediction"); got != "wl" {
		t.Errorf("got %q, want wl", got)
	}
	if got, _ := MapProduct("wlp-bores"); got != "wl" {
		t.Errorf("got %q, want wl", got)
	}
}

func TestMapType(t *testing.T) {
	tests := []struct {
		parameter string
		want      string
	}{
		{"water_temperature", "r"},
		{"water_temperature_mean", "m"},
		{"water_level_prediction", "pr"},
		{"wind_quartod_flags", "qf"},
		{"water_temperature_standard_deviation", "sd"},
		{"", "r"},
	}

	for _, tt := range tests {
		if got := MapType(tt.parameter); got != tt.want {
			t.Errorf("MapType(%q)=%q, want %q", tt.parameter, got, tt.want)
		}
	}
}

func TestRoundValue(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{12.34567, 12.346},
		{12.3444, 12.344},
		{-7.0006, -7.001},
		{0, 0},
	}
	for _, tt := range tests {
		if got := RoundValue(tt.in); got != tt.want {
			t.Errorf("RoundValue(%v)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRoundCoordinate(t *testing.T) {
	if got := RoundCoordinate(10.12345678); got != 10.123457 {
		t.Errorf("got %v, want 10.123457", got)
	}
	if got := RoundCoordinate(-120.9999999); got != -121.0 {
		t.Errorf("got %v, want -121", got)
	}
}

func TestTruncateTime(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	in := time.Date(2024, 3, 1, 4, 30, 15, 999_000_000, loc)
	got := TruncateTime(in)

	want := time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", got.Location())
	}
}
