package model

import (
	"math"
	"testing"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in      string
		want    Range
		wantErr bool
	}{
		{"1", Range1D, false},
		{"30", Range30D, false},
		{"max", RangeMax, false},
		{"007", Range7D, false},
		{"0", "", true},
		{"-3", "", true},
		{"week", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRange(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRange(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRangeInterval(t *testing.T) {
	if got := Range1D.Interval(); got != "hourly" {
		t.Errorf("1d interval = %s, want hourly", got)
	}
	for _, r := range []Range{Range7D, Range30D, RangeMax} {
		if got := r.Interval(); got != "daily" {
			t.Errorf("%s interval = %s, want daily", r, got)
		}
	}
}

func TestWithLastPrice(t *testing.T) {
	sma := 10.0
	in := []TimeSeriesPoint{
		{Timestamp: 1, Price: 10},
		{Timestamp: 2, Price: 11, SMA: &sma},
	}
	out := WithLastPrice(in, 12.5)

	if in[1].Price != 11 {
		t.Fatalf("input mutated: last price = %v", in[1].Price)
	}
	if out[1].Price != 12.5 {
		t.Errorf("last price = %v, want 12.5", out[1].Price)
	}
	if out[1].SMA == nil || *out[1].SMA != 10 {
		t.Errorf("derived SMA lost on live merge")
	}
	if out[0] != in[0] {
		t.Errorf("earlier point changed: %+v", out[0])
	}
	if got := WithLastPrice(nil, 1); len(got) != 0 {
		t.Errorf("empty series grew to %d", len(got))
	}
}

func TestFormatCompact(t *testing.T) {
	tests := map[float64]string{
		1_234_567_890: "1.23B",
		2_500_000:     "2.50M",
		1_500:         "1.50K",
		999.999:       "1000.00",
		0:             "0.00",
	}
	for in, want := range tests {
		if got := FormatCompact(in); got != want {
			t.Errorf("FormatCompact(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestPercentChange(t *testing.T) {
	got, ok := PercentChange(200, 250)
	if !ok || math.Abs(got-25) > 1e-12 {
		t.Errorf("PercentChange(200,250) = %v,%v want 25,true", got, ok)
	}
	if _, ok := PercentChange(0, 5); ok {
		t.Errorf("PercentChange from zero should report false")
	}
}
