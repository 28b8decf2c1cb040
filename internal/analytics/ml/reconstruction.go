package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ReconstructionConfig parameterises a Reconstructor.
type ReconstructionConfig struct {
	// Window is the number of consecutive vectors in one sequence.
	Window int
	// VarianceRetained selects how many principal components the encoder keeps.
	VarianceRetained float64
	// ValidationFraction is the trailing share of windows held out to
	// calibrate the error scale.
	ValidationFraction float64
}

// DefaultReconstructionConfig returns W=4, 90% variance, 20% validation.
func DefaultReconstructionConfig() ReconstructionConfig {
	return ReconstructionConfig{Window: 4, VarianceRetained: 0.90, ValidationFraction: 0.20}
}

const minErrorScale = 1e-6

// Reconstructor is a linear encoder/decoder (PCA) over flattened windows of
// standardized vectors. The score of a window is its reconstruction MSE
// divided by mean+3σ of the held-out validation errors, so 1 is the
// calibrated threshold.
type Reconstructor struct {
	cfg        ReconstructionConfig
	width      int
	featMean   []float64
	featStd    []float64
	center     []float64
	components *mat.Dense // p×k, nil when k == 0
	errorScale float64
	fitted     bool
}

// NewReconstructor creates an unfitted reconstructor.
func NewReconstructor(cfg ReconstructionConfig) *Reconstructor {
	def := DefaultReconstructionConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.VarianceRetained <= 0 || cfg.VarianceRetained > 1 {
		cfg.VarianceRetained = def.VarianceRetained
	}
	if cfg.ValidationFraction <= 0 || cfg.ValidationFraction >= 1 {
		cfg.ValidationFraction = def.ValidationFraction
	}
	return &Reconstructor{cfg: cfg}
}

// Window is the sequence length expected by Score.
func (r *Reconstructor) Window() int { return r.cfg.Window }

// Components is the number of retained principal components.
func (r *Reconstructor) Components() int {
	if r.components == nil {
		return 0
	}
	_, k := r.components.Dims()
	return k
}

// Fit trains on a time-ordered history.
func (r *Reconstructor) Fit(history [][]float64) error {
	w := r.cfg.Window
	windows := len(history) - w + 1
	if len(history) == 0 || windows < 2 {
		return fmt.Errorf("sequence reconstruction: need at least %d vectors, have %d", w+1, len(history))
	}
	width, err := checkRectangular(history)
	if err != nil {
		return fmt.Errorf("sequence reconstruction: %w", err)
	}
	r.width = width
	r.featMean, r.featStd = columnStats(history, width)

	flat := make([][]float64, windows)
	for i := 0; i < windows; i++ {
		flat[i] = r.flatten(history[i : i+w])
	}

	nVal := int(math.Ceil(float64(windows) * r.cfg.ValidationFraction))
	if nVal < 1 {
		nVal = 1
	}
	if windows-nVal < 1 {
		nVal = windows - 1
	}
	train, val := flat[:windows-nVal], flat[windows-nVal:]

	p := width * w
	r.center = make([]float64, p)
	for _, row := range train {
		for j, v := range row {
			r.center[j] += v
		}
	}
	for j := range r.center {
		r.center[j] /= float64(len(train))
	}

	x := mat.NewDense(len(train), p, nil)
	for i, row := range train {
		for j, v := range row {
			x.Set(i, j, v-r.center[j])
		}
	}

	r.components = nil
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return fmt.Errorf("sequence reconstruction: SVD did not converge")
	}
	values := svd.Values(nil)
	total := 0.0
	for _, s := range values {
		total += s * s
	}
	k := 0
	if total > 0 {
		acc := 0.0
		for k < len(values) {
			acc += values[k] * values[k]
			k++
			if acc/total >= r.cfg.VarianceRetained {
				break
			}
		}
	}
	if k > 0 {
		var v mat.Dense
		svd.VTo(&v)
		r.components = mat.DenseCopyOf(v.Slice(0, p, 0, k))
	}

	errs := make([]float64, len(val))
	for i, row := range val {
		errs[i] = r.mse(row)
	}
	m, s := stat.PopMeanStdDev(errs, nil)
	r.errorScale = math.Max(m+3*s, minErrorScale)
	r.fitted = true
	return nil
}

// Score returns the normalized reconstruction error of a window whose last
// element is the vector under evaluation.
func (r *Reconstructor) Score(window [][]float64) (float64, error) {
	if !r.fitted {
		return 0, ErrNotFitted
	}
	if len(window) != r.cfg.Window {
		return 0, fmt.Errorf("sequence reconstruction: window of %d vectors, need %d", len(window), r.cfg.Window)
	}
	for _, row := range window {
		if len(row) != r.width {
			return 0, fmt.Errorf("sequence reconstruction: vector width %d, model width %d", len(row), r.width)
		}
	}
	return r.mse(r.flatten(window)) / r.errorScale, nil
}

func (r *Reconstructor) flatten(window [][]float64) []float64 {
	out := make([]float64, 0, len(window)*r.width)
	for _, row := range window {
		for j, v := range row {
			out = append(out, (v-r.featMean[j])/r.featStd[j])
		}
	}
	return out
}

// mse projects onto the retained components and back.
func (r *Reconstructor) mse(flat []float64) float64 {
	p := len(flat)
	z := mat.NewVecDense(p, nil)
	for j, v := range flat {
		z.SetVec(j, v-r.center[j])
	}
	resid := mat.VecDenseCopyOf(z)
	if r.components != nil {
		_, k := r.components.Dims()
		code := mat.NewVecDense(k, nil)
		code.MulVec(r.components.T(), z)
		var recon mat.VecDense
		recon.MulVec(r.components, code)
		resid.SubVec(z, &recon)
	}
	sum := 0.0
	for j := 0; j < p; j++ {
		d := resid.AtVec(j)
		sum += d * d
	}
	return sum / float64(p)
}
