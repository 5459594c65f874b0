/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package subframe

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// model is a parametric surface z = f(p; x, y) fitted by levenbergMarquardt.
type model interface {
	numParams() int
	// eval returns f(p; x, y) and fills grad with df/dp when grad is non-nil.
	eval(p []float64, x, y float64, grad []float64) float64
}

type sample struct {
	x, y, z float64
}

type lmSettings struct {
	lower, upper, scale []float64
	tolerance           float64
	maxIter             int
}

type lmResult struct {
	params     []float64
	cost       float64
	iterations int
	// solved is false when no damped normal equation could be solved.
	solved bool
	// converged is false when the iteration budget ran out first.
	converged bool
	// step is the relative size of the last accepted step.
	step float64
}

// levenbergMarquardt minimizes the squared residuals of m over samples,
// keeping every parameter inside its box bounds.
func levenbergMarquardt(m model, samples []sample, x0 []float64, s lmSettings) lmResult {
	n := m.numParams()
	k := len(samples)

	x := make([]float64, n)
	for j := range x {
		x[j] = clampLM(x0[j], s.lower[j], s.upper[j])
	}
	fi := make([]float64, k)
	jac := make([]float64, k*n)
	evalResiduals(m, samples, x, fi, jac)
	cost := sumOfSquares(fi)

	lambda := 1e-3
	nu := 2.0
	res := lmResult{params: x, cost: cost}

	jtj := make([]float64, n*n)
	jtf := make([]float64, n)
	a := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)
	var dx mat.VecDense
	xNew := make([]float64, n)
	fiNew := make([]float64, k)

	for res.iterations = 0; res.iterations < s.maxIter; res.iterations++ {
		for i := range jtj {
			jtj[i] = 0
		}
		for i := range jtf {
			jtf[i] = 0
		}
		for r := 0; r < k; r++ {
			row := jac[r*n : (r+1)*n]
			for i := 0; i < n; i++ {
				jtf[i] += row[i] * fi[r]
				for j := i; j < n; j++ {
					jtj[i*n+j] += row[i] * row[j]
				}
			}
		}
		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				jtj[i*n+j] = jtj[j*n+i]
			}
		}

		var gradNorm float64
		for _, g := range jtf {
			gradNorm += g * g
		}
		if math.Sqrt(gradNorm) <= s.tolerance*cost {
			res.converged = true
			res.solved = true
			break
		}

		accepted := false
		for tries := 0; tries < 20; tries++ {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					a.Set(i, j, jtj[i*n+j])
				}
				a.Set(i, i, jtj[i*n+i]+lambda*s.scale[i]*s.scale[i])
				rhs.SetVec(i, -jtf[i])
			}
			if !solveNormal(&dx, a, rhs) {
				lambda *= nu
				continue
			}
			res.solved = true

			var stepNorm, xNorm float64
			for j := 0; j < n; j++ {
				xNew[j] = clampLM(x[j]+dx.AtVec(j), s.lower[j], s.upper[j])
				d := xNew[j] - x[j]
				stepNorm += d * d
				xNorm += x[j] * x[j]
			}
			for r, smp := range samples {
				fiNew[r] = m.eval(xNew, smp.x, smp.y, nil) - smp.z
			}
			costNew := sumOfSquares(fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0
				res.step = math.Sqrt(stepNorm / math.Max(xNorm, 1e-30))
				evalResiduals(m, samples, x, fi, jac)
				if improvement < s.tolerance {
					res.converged = true
					res.cost = cost
					return res
				}
				accepted = true
				break
			}
			lambda *= nu
			nu *= 2.0
			if lambda > 1e16 {
				// No descent direction left: x is a local minimum.
				res.converged = true
				res.cost = cost
				return res
			}
		}
		if !res.solved {
			break
		}
		if !accepted {
			res.converged = true
			break
		}
	}
	res.cost = cost
	return res
}

// solveNormal solves a*dx = rhs. An ill-conditioned but finite solution is accepted.
func solveNormal(dx *mat.VecDense, a *mat.Dense, rhs *mat.VecDense) bool {
	if err := dx.SolveVec(a, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return false
		}
	}
	for i := 0; i < dx.Len(); i++ {
		if v := dx.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func evalResiduals(m model, samples []sample, x, fi, jac []float64) {
	n := len(x)
	for r, smp := range samples {
		fi[r] = m.eval(x, smp.x, smp.y, jac[r*n:(r+1)*n]) - smp.z
	}
}

func sumOfSquares(fi []float64) float64 {
	s := 0.0
	for _, v := range fi {
		s += v * v
	}
	return s
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
