package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-rca/internal/baseline"
)

// checkRectangular verifies every row has the same, non-zero width and only
// finite values.
func checkRectangular(data [][]float64) (int, error) {
	width := len(data[0])
	if width == 0 {
		return 0, fmt.Errorf("zero-width samples")
	}
	for i, row := range data {
		if len(row) != width {
			return 0, fmt.Errorf("sample %d has width %d, want %d", i, len(row), width)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("sample %d contains a non-finite value", i)
			}
		}
	}
	return width, nil
}

// columnStats returns per-column population mean and floored standard
// deviation.
func columnStats(data [][]float64, width int) (mean, std []float64) {
	mean = make([]float64, width)
	std = make([]float64, width)
	col := make([]float64, len(data))
	for j := 0; j < width; j++ {
		for i, row := range data {
			col[i] = row[j]
		}
		m, s := stat.PopMeanStdDev(col, nil)
		mean[j] = m
		std[j] = baseline.FlooredStdDev(s, m)
	}
	return mean, std
}
