// Package viz prepares embedding vectors for display.
package viz

import (
	"fmt"

	"github.com/audiolibrelab/voicecheck/internal/apperr"
)

const (
	MinDimensions     = 5
	MaxDimensions     = 50
	DimensionStep     = 5
	DefaultDimensions = 10

	StoredLabel = "Stored Voice"
	NewLabel    = "New Voice"
)

// Series is one labeled line of the chart.
type Series struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
}

// Dataset is the chart-ready view of two embeddings.
type Dataset struct {
	Labels []string `json:"labels"`
	Series []Series `json:"series"`
}

// Project truncates each non-nil vector to its first dimensions entries,
// without padding, and labels the axis Dim 1..dimensions. The inputs are
// never modified.
func Project(stored, fresh []float64, dimensions int) Dataset {
	if dimensions < 0 {
		dimensions = 0
	}

	ds := Dataset{Labels: make([]string, dimensions), Series: []Series{}}
	for i := range ds.Labels {
		ds.Labels[i] = fmt.Sprintf("Dim %d", i+1)
	}

	if stored != nil {
		ds.Series = append(ds.Series, Series{Label: StoredLabel, Data: truncate(stored, dimensions)})
	}
	if fresh != nil {
		ds.Series = append(ds.Series, Series{Label: NewLabel, Data: truncate(fresh, dimensions)})
	}
	return ds
}

func truncate(v []float64, n int) []float64 {
	if n > len(v) {
		n = len(v)
	}
	out := make([]float64, n)
	copy(out, v[:n])
	return out
}

// ValidDimensions reports whether n is a multiple of 5 within [5, 50].
func ValidDimensions(n int) bool {
	return n >= MinDimensions && n <= MaxDimensions && n%DimensionStep == 0
}

// CheckDimensions returns a ValidationError for unsupported values.
func CheckDimensions(n int) error {
	if ValidDimensions(n) {
		return nil
	}
	return apperr.NewValidationError("dimensions",
		fmt.Sprintf("must be a multiple of %d within [%d, %d], got %d", DimensionStep, MinDimensions, MaxDimensions, n))
}

// ClampDimensions snaps n to the nearest supported value.
func ClampDimensions(n int) int {
	if n <= MinDimensions {
		return MinDimensions
	}
	if n >= MaxDimensions {
		return MaxDimensions
	}
	return (n + DimensionStep/2) / DimensionStep * DimensionStep
}
