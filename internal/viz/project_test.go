package viz

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/apperr"
)

func vector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i) / 10
	}
	return v
}

func TestProject_Truncates(t *testing.T) {
	for n := MinDimensions; n <= MaxDimensions; n += DimensionStep {
		for _, length := range []int{3, 10, 128} {
			stored := vector(length)
			fresh := vector(length)

			ds := Project(stored, fresh, n)

			if len(ds.Labels) != n {
				t.Errorf("n=%d: expected %d labels, got %d", n, n, len(ds.Labels))
			}
			if len(ds.Series) != 2 {
				t.Fatalf("n=%d: expected 2 series, got %d", n, len(ds.Series))
			}
			want := min(n, length)
			for _, s := range ds.Series {
				if len(s.Data) != want {
					t.Errorf("n=%d len=%d: series %s has %d points, expected %d", n, length, s.Label, len(s.Data), want)
				}
			}
		}
	}
}

func TestProject_Labels(t *testing.T) {
	ds := Project(vector(20), nil, 10)

	if ds.Labels[0] != "Dim 1" || ds.Labels[9] != "Dim 10" {
		t.Errorf("Unexpected labels %v", ds.Labels)
	}
	if len(ds.Series) != 1 || ds.Series[0].Label != StoredLabel {
		t.Errorf("Expected only the stored series, got %+v", ds.Series)
	}
}

func TestProject_NilInputs(t *testing.T) {
	ds := Project(nil, nil, 10)
	if len(ds.Series) != 0 {
		t.Errorf("Expected no series, got %d", len(ds.Series))
	}

	ds = Project(nil, vector(4), 10)
	if len(ds.Series) != 1 || ds.Series[0].Label != NewLabel || len(ds.Series[0].Data) != 4 {
		t.Errorf("Expected one short new series, got %+v", ds.Series)
	}

	// An empty but present vector still gets its (empty) series
	ds = Project([]float64{}, nil, 10)
	if len(ds.Series) != 1 || len(ds.Series[0].Data) != 0 {
		t.Errorf("Expected one empty series, got %+v", ds.Series)
	}
}

func TestProject_DoesNotMutateInputs(t *testing.T) {
	stored := vector(30)
	ds := Project(stored, nil, 10)

	ds.Series[0].Data[0] = 99
	if stored[0] != 0 {
		t.Error("Expected projection to copy, not alias, the input")
	}
	if len(stored) != 30 {
		t.Error("Expected input length to be unchanged")
	}

	again := Project(stored, nil, 10)
	if again.Series[0].Data[0] != 0 {
		t.Error("Expected projection to be deterministic")
	}
}

func TestDimensions(t *testing.T) {
	valid := []int{5, 10, 25, 50}
	invalid := []int{0, 4, 7, 12, 55, -5}

	for _, n := range valid {
		if !ValidDimensions(n) || CheckDimensions(n) != nil {
			t.Errorf("Expected %d to be valid", n)
		}
	}
	for _, n := range invalid {
		if ValidDimensions(n) {
			t.Errorf("Expected %d to be invalid", n)
		}
		if err := CheckDimensions(n); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("CheckDimensions(%d): expected ValidationError, got %v", n, err)
		}
	}

	clamps := map[int]int{-3: 5, 0: 5, 7: 5, 8: 10, 12: 10, 13: 15, 49: 50, 80: 50, 35: 35}
	for in, want := range clamps {
		if got := ClampDimensions(in); got != want {
			t.Errorf("ClampDimensions(%d) = %d, expected %d", in, got, want)
		}
		if !ValidDimensions(ClampDimensions(in)) {
			t.Errorf("ClampDimensions(%d) produced an invalid value", in)
		}
	}
}

type verdict struct{ summary, message string }

func (v verdict) Summary() string { return v.summary }
func (v verdict) Message() string { return v.message }

func TestRender(t *testing.T) {
	styles := NewStyles(DefaultTheme)

	chart := RenderChart(Project(vector(10), []float64{-0.5, 0.2}, 5), styles, 10)
	for _, want := range []string{"Dim 1", "Dim 5", StoredLabel, NewLabel, "-0.5000"} {
		if !strings.Contains(chart, want) {
			t.Errorf("Expected %q in chart:\n%s", want, chart)
		}
	}

	if out := RenderChart(Project(nil, nil, 10), styles, 10); !strings.Contains(out, "No embeddings") {
		t.Errorf("Expected empty chart message, got %q", out)
	}

	box := RenderVerdict(verdict{"Voice Mismatch", "Similarity: 65.00%. Voice not verified."}, false, styles)
	if !strings.Contains(box, "Voice Mismatch") || !strings.Contains(box, "65.00%") {
		t.Errorf("Unexpected verdict box:\n%s", box)
	}

	progress := RenderProgress("REC", 10*time.Second, 30*time.Second, styles, 30)
	if !strings.Contains(progress, "0:10.0 / 0:30.0") {
		t.Errorf("Unexpected progress line %q", progress)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "0:00.0",
		1500 * time.Millisecond: "0:01.5",
		75 * time.Second:        "1:15.0",
		-time.Second:            "0:00.0",
	}
	for d, want := range tests {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, expected %q", d, got, want)
		}
	}
}
