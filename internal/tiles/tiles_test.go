package tiles

import (
	"reflect"
	"testing"
)

var testLayers = []string{
	"elev", "slope", "pop_2015", "pop_2020", "pop_growth",
	"fc_2000", "fc_2015", "pa", "region",
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		ok       bool
	}{
		// Exact single-tile export
		{"elev.tif", "elev", true},
		{"pop_2015.tif", "pop_2015", true},
		// Numeric tile-sequence suffixes
		{"elev0000000000-0000000000.tif", "elev", true},
		{"elev0000032768-0000000000.tif", "elev", true},
		{"pop_20150000000000-0000032768.tif", "pop_2015", true},
		// "pa" is a strict prefix of nothing here, but digits still required
		{"pa0000000000-0000000000.tif", "pa", true},
		// Underscore after the candidate is not a digit: no match for "pa"
		{"pa_extra.tif", "", false},
		// Wrong extension
		{"elev.tiff", "", false},
		{"elev0000000000.txt", "", false},
		// Unknown layer
		{"unknown_layer.tif", "", false},
	}

	for _, tt := range tests {
		got, ok := Match(tt.filename, testLayers)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Match(%q) = (%q, %v), want (%q, %v)",
				tt.filename, got, ok, tt.want, tt.ok)
		}
	}
}

// A tile named name+digits must attribute to name even when a shorter
// candidate is a strict prefix of it.
func TestMatchLongestFirst(t *testing.T) {
	layers := []string{"pop", "pop_2015", "fc", "fc_2000"}

	tests := []struct {
		filename string
		want     string
	}{
		{"pop_2015.tif", "pop_2015"},
		{"pop_20150000000000-0000000000.tif", "pop_2015"},
		{"pop0000000000.tif", "pop"},
		{"fc_20000000000000.tif", "fc_2000"},
		{"fc_2000.tif", "fc_2000"},
	}

	for _, tt := range tests {
		got, ok := Match(tt.filename, layers)
		if !ok {
			t.Errorf("Match(%q): no match, want %q", tt.filename, tt.want)
			continue
		}
		if got != tt.want {
			t.Errorf("Match(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

// A registered name may itself end in ".tif"; a filename equal to such a
// candidate is shorter than candidate+ext and must be rejected, not
// indexed past its end.
func TestMatchCandidateEndsInExtension(t *testing.T) {
	layers := []string{"weird.tif", "elev"}

	tests := []struct {
		filename string
		want     string
		ok       bool
	}{
		{"weird.tif", "", false},
		{"weird.tif.tif", "weird.tif", true},
		{"weird.tif0000000000.tif", "weird.tif", true},
		{"elev.tif", "elev", true},
	}

	for _, tt := range tests {
		got, ok := Match(tt.filename, layers)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Match(%q) = (%q, %v), want (%q, %v)",
				tt.filename, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCountByLayer(t *testing.T) {
	filenames := []string{
		"elev0000000000-0000000000.tif",
		"elev0000000000-0000032768.tif",
		"elev0000032768-0000000000.tif",
		"slope.tif",
		"pop_20150000000000-0000000000.tif",
		"not_a_layer.tif",
		"elev_readme.txt",
	}

	got := CountByLayer(filenames, testLayers)
	want := map[string]int{
		"elev":     3,
		"slope":    1,
		"pop_2015": 1,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CountByLayer = %v, want %v", got, want)
	}
}

func TestForLayer(t *testing.T) {
	filenames := []string{
		"elev0000032768-0000000000.tif",
		"elev0000000000-0000000000.tif",
		"slope.tif",
		"pop_20150000000000-0000000000.tif",
	}

	got := ForLayer(filenames, testLayers, "elev")
	want := []string{
		"elev0000000000-0000000000.tif",
		"elev0000032768-0000000000.tif",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ForLayer(elev) = %v, want %v", got, want)
	}

	if got := ForLayer(filenames, testLayers, "region"); len(got) != 0 {
		t.Errorf("ForLayer(region) = %v, want empty", got)
	}
}
