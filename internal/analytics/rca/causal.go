package rca

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

const ridge = 1e-8

// GrangerResult is the best-lag outcome of one directed precedence test.
type GrangerResult struct {
	Cause, Effect string
	Lag           int
	FStatistic    float64
	PValue        float64
}

// MaxUsableLag bounds the lag so the unrestricted model keeps at least one
// residual degree of freedom: n - L rows, 2L+1 parameters.
func MaxUsableLag(n, maxLag int) int {
	l := (n - 2) / 3
	if l > maxLag {
		l = maxLag
	}
	if l < 0 {
		return 0
	}
	return l
}

// Granger tests whether the past of cause improves prediction of effect
// beyond effect's own past, for lags 1..maxLag, and returns the lowest-p lag.
// Constant or too-short series yield p = 1.
func Granger(causeName, effectName string, cause, effect []float64, maxLag int) GrangerResult {
	best := GrangerResult{Cause: causeName, Effect: effectName, PValue: 1}
	n := len(effect)
	if len(cause) != n {
		return best
	}
	x, okX := standardize(cause)
	y, okY := standardize(effect)
	if !okX || !okY {
		return best
	}
	for lag := 1; lag <= MaxUsableLag(n, maxLag); lag++ {
		f, p := grangerAtLag(x, y, lag)
		if p < best.PValue || best.Lag == 0 {
			best.Lag, best.FStatistic, best.PValue = lag, f, p
		}
	}
	return best
}

func grangerAtLag(x, y []float64, lag int) (f, p float64) {
	rows := len(y) - lag
	dfDen := float64(rows - (2*lag + 1))
	if rows <= 0 || dfDen < 1 {
		return 0, 1
	}
	target := mat.NewVecDense(rows, nil)
	restricted := mat.NewDense(rows, lag+1, nil)
	full := mat.NewDense(rows, 2*lag+1, nil)
	for r := 0; r < rows; r++ {
		t := r + lag
		target.SetVec(r, y[t])
		restricted.Set(r, 0, 1)
		full.Set(r, 0, 1)
		for l := 1; l <= lag; l++ {
			restricted.Set(r, l, y[t-l])
			full.Set(r, l, y[t-l])
			full.Set(r, lag+l, x[t-l])
		}
	}
	rssR, okR := ridgeRSS(restricted, target)
	rssU, okU := ridgeRSS(full, target)
	if !okR || !okU {
		return 0, 1
	}
	improvement := rssR - rssU
	if improvement <= 1e-12 {
		return 0, 1
	}
	rssU = math.Max(rssU, 1e-12)
	f = (improvement / float64(lag)) / (rssU / dfDen)
	p = distuv.F{D1: float64(lag), D2: dfDen}.Survival(f)
	if math.IsNaN(p) {
		return f, 1
	}
	return f, math.Max(0, math.Min(1, p))
}

// ridgeRSS fits y ~ X by ridge-regularized least squares (intercept in
// column 0 unpenalized) and returns the residual sum of squares.
func ridgeRSS(x *mat.Dense, y *mat.VecDense) (float64, bool) {
	_, cols := x.Dims()
	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	for j := 1; j < cols; j++ {
		xtx.SetSym(j, j, xtx.At(j, j)+ridge*float64(x.RawMatrix().Rows))
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var chol mat.Cholesky
	if !chol.Factorize(&xtx) {
		// Intercept-only designs with constant lag columns land here when
		// the ridge is too small to lift the zero eigenvalues.
		for j := 0; j < cols; j++ {
			xtx.SetSym(j, j, xtx.At(j, j)+1e-6)
		}
		if !chol.Factorize(&xtx) {
			return 0, false
		}
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return 0, false
	}
	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	rss := 0.0
	for i := 0; i < y.Len(); i++ {
		d := y.AtVec(i) - fitted.AtVec(i)
		rss += d * d
	}
	return rss, !math.IsNaN(rss)
}

func standardize(x []float64) ([]float64, bool) {
	if len(x) < 3 {
		return nil, false
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	if std < 1e-12 {
		return nil, false
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - mean) / std
	}
	return out, true
}

// CausalRanking runs the precedence test in both directions for every pair
// that survived pruning. Pairs absent from pairs are never tested. Exactly
// one significant direction emits a unidirectional edge; two significant
// directions emit an ambiguous edge that is kept out of the ranking. The
// ranking is ordered by p-value, then cause, then effect.
func CausalRanking(ctx context.Context, pairs []types.CorrelationEntry, series map[string][]float64, maxLag int, alpha float64) (ranking, ambiguous []types.CausalEdge, err error) {
	forward := make([]GrangerResult, len(pairs))
	backward := make([]GrangerResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, b := p.FeatureA, p.FeatureB
			forward[i] = Granger(a, b, series[a], series[b], maxLag)
			backward[i] = Granger(b, a, series[b], series[a], maxLag)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i := range pairs {
		fw, bw := forward[i], backward[i]
		fwSig, bwSig := fw.PValue < alpha, bw.PValue < alpha
		switch {
		case fwSig && bwSig:
			lower := fw
			if bw.PValue < fw.PValue {
				lower = bw
			}
			ambiguous = append(ambiguous, toEdge(lower, types.DirectionAmbiguous))
		case fwSig:
			ranking = append(ranking, toEdge(fw, types.DirectionUnidirectional))
		case bwSig:
			ranking = append(ranking, toEdge(bw, types.DirectionUnidirectional))
		}
	}
	sortEdges(ranking)
	sortEdges(ambiguous)
	return ranking, ambiguous, nil
}

func toEdge(r GrangerResult, dir types.CausalDirection) types.CausalEdge {
	return types.CausalEdge{
		Cause:      r.Cause,
		Effect:     r.Effect,
		Lag:        r.Lag,
		PValue:     r.PValue,
		FStatistic: r.FStatistic,
		Direction:  dir,
	}
}

func sortEdges(edges []types.CausalEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].PValue != edges[j].PValue {
			return edges[i].PValue < edges[j].PValue
		}
		if edges[i].Cause != edges[j].Cause {
			return edges[i].Cause < edges[j].Cause
		}
		return edges[i].Effect < edges[j].Effect
	})
}
