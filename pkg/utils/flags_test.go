package utils

import (
	"math"
	"testing"
)

func TestNormalizeFlag(t *testing.T) {
	tests := []struct {
		name  string
		value any
		def   bool
		want  bool
	}{
		{"bool true", true, false, true},
		{"bool false", false, true, false},
		{"yes", "yes", false, true},
		{"no", "no", true, false},
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"TRUE upper", "TRUE", false, true},
		{"one string", "1", false, true},
		{"zero string", "0", true, false},
		{"garbage string uses default", "maybe", true, true},
		{"int one", 1, false, true},
		{"int zero", 0, true, false},
		{"float nonzero", 2.5, false, true},
		{"nil uses default", nil, true, true},
		{"struct uses default", struct{}{}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeFlag(tt.value, tt.def); got != tt.want {
				t.Errorf("NormalizeFlag(%v, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestParseMaxToolIterations(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"nil default", nil, 10},
		{"int", 3, 3},
		{"zero", 0, 0},
		{"float", 5.0, 5},
		{"numeric string", "7", 7},
		{"negative clamps", -4, 0},
		{"garbage string default", "lots", 10},
		{"nan default", math.NaN(), 10},
		{"inf default", math.Inf(1), 10},
		{"bool default", true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseMaxToolIterations(tt.value); got != tt.want {
				t.Errorf("ParseMaxToolIterations(%v) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseChars(t *testing.T) {
	if got := ParseChars(nil); got != 0 {
		t.Errorf("nil = %d, want 0", got)
	}
	if got := ParseChars(8); got != 8 {
		t.Errorf("8 = %d", got)
	}
	if got := ParseChars("120"); got != 120 {
		t.Errorf("string = %d", got)
	}
	if got := ParseChars(-1); got != 0 {
		t.Errorf("negative = %d, want 0", got)
	}
}
