/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package subframe

import (
	"image"
	"math"
)

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// FWHM converts the scale parameter sigma of fn to a full width at half maximum.
func FWHM(fn PSFFunction, sigma float64) float64 {
	switch fn {
	case PSFGaussian:
		return sigmaToFWHM * sigma
	case PSFLorentzian:
		return 2 * sigma
	default:
		return 2 * sigma * math.Sqrt(math.Pow(2, 1/fn.Beta())-1)
	}
}

// FitWindow returns the square fitting window of a detected star:
// radius max(3, ceil(sqrt(size))) around its rounded position.
func FitWindow(star Star) image.Rectangle {
	r := max(3, int(math.Ceil(math.Sqrt(float64(star.Size)))))
	cx := int(math.Round(star.Pos.X))
	cy := int(math.Round(star.Pos.Y))
	return image.Rect(cx-r, cy-r, cx+r+1, cy+r+1)
}

// psfModel is B + A*h(q) with q = X²/sx² + Y²/sy² over coordinates rotated
// by theta. Parameters are [B, A, x0, y0, sx, sy, theta], or [B, A, x0, y0, s]
// for circular models.
type psfModel struct {
	gaussian bool
	beta     float64
	circular bool
}

func newPSFModel(fn PSFFunction, circular bool) psfModel {
	return psfModel{gaussian: fn == PSFGaussian, beta: fn.Beta(), circular: circular}
}

func (m psfModel) numParams() int {
	if m.circular {
		return 5
	}
	return 7
}

// profile returns h(q) and dh/dq.
func (m psfModel) profile(q float64) (float64, float64) {
	if m.gaussian {
		h := math.Exp(-q / 2)
		return h, -h / 2
	}
	base := 1 + q
	h := math.Pow(base, -m.beta)
	return h, -m.beta * h / base
}

func (m psfModel) eval(p []float64, x, y float64, grad []float64) float64 {
	b, a, x0, y0 := p[0], p[1], p[2], p[3]
	dx, dy := x-x0, y-y0

	if m.circular {
		s := p[4]
		s2 := s * s
		q := (dx*dx + dy*dy) / s2
		h, dh := m.profile(q)
		if grad != nil {
			g := a * dh
			grad[0] = 1
			grad[1] = h
			grad[2] = g * (-2 * dx / s2)
			grad[3] = g * (-2 * dy / s2)
			grad[4] = g * (-2 * q / s)
		}
		return b + a*h
	}

	sx, sy, theta := p[4], p[5], p[6]
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	X := dx*cosT + dy*sinT
	Y := -dx*sinT + dy*cosT
	sx2, sy2 := sx*sx, sy*sy
	q := X*X/sx2 + Y*Y/sy2
	h, dh := m.profile(q)
	if grad != nil {
		g := a * dh
		grad[0] = 1
		grad[1] = h
		grad[2] = g * (-2*X*cosT/sx2 + 2*Y*sinT/sy2)
		grad[3] = g * (-2*X*sinT/sx2 - 2*Y*cosT/sy2)
		grad[4] = g * (-2 * X * X / (sx2 * sx))
		grad[5] = g * (-2 * Y * Y / (sy2 * sy))
		grad[6] = g * 2 * X * Y * (1/sx2 - 1/sy2)
	}
	return b + a*h
}

// PSFFitter fits one PSF function to the pixels around a star.
type PSFFitter struct {
	Function      PSFFunction
	Circular      bool
	MaxIterations int
	Tolerance     float64
}

// NewPSFFitter returns a fitter for fn.
func NewPSFFitter(fn PSFFunction, circular bool) *PSFFitter {
	return &PSFFitter{Function: fn, Circular: circular, MaxIterations: 100, Tolerance: 1e-10}
}

const minStepForConvergence = 1e-3

// Fit fits the model to img inside window, starting at centroid. Failures
// are reported through the result status.
func (f *PSFFitter) Fit(img Mat, centroid Point2d, window image.Rectangle) PSFFitResult {
	result := PSFFitResult{Status: PSFBadParameters, Function: f.Function, Circular: f.Circular}
	window = window.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	md := newPSFModel(f.Function, f.Circular)
	if window.Dx() < 3 || window.Dy() < 3 || window.Dx()*window.Dy() <= md.numParams() {
		return result
	}
	if !(image.Point{X: int(math.Round(centroid.X)), Y: int(math.Round(centroid.Y))}).In(window) {
		return result
	}

	width := img.Cols()
	data := img.DataFloat32()
	samples := make([]sample, 0, window.Dx()*window.Dy())
	zmin, zmax := math.MaxFloat64, -math.MaxFloat64
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			z := float64(data[y*width+x])
			samples = append(samples, sample{x: float64(x), y: float64(y), z: z})
			zmin = math.Min(zmin, z)
			zmax = math.Max(zmax, z)
		}
	}
	amplitude := zmax - zmin
	if !(amplitude > 0) {
		return result
	}

	// Seed the scale from the area above half maximum.
	halfMax := zmin + amplitude/2
	above := 0
	for _, s := range samples {
		if s.z > halfMax {
			above++
		}
	}
	fwhm0 := math.Max(1, 2*math.Sqrt(float64(above)/math.Pi))
	unit := FWHM(f.Function, 1)
	s0 := fwhm0 / unit
	sMin := 0.1 / unit
	sMax := 2 * float64(max(window.Dx(), window.Dy())) / unit

	x0 := []float64{zmin, amplitude, centroid.X, centroid.Y, s0}
	lower := []float64{zmin - amplitude, 0, float64(window.Min.X), float64(window.Min.Y), sMin}
	upper := []float64{zmax, 2 * amplitude, float64(window.Max.X - 1), float64(window.Max.Y - 1), sMax}
	scale := []float64{0.01, 0.01, 0.1, 0.1, 1}
	if !f.Circular {
		x0 = append(x0, s0, 0)
		lower = append(lower, sMin, -math.Pi)
		upper = append(upper, sMax, math.Pi)
		scale = append(scale, 1, 1)
	}

	fit := levenbergMarquardt(md, samples, x0, lmSettings{
		lower: lower, upper: upper, scale: scale,
		tolerance: f.Tolerance, maxIter: f.MaxIterations,
	})
	if !fit.solved {
		result.Status = PSFNoSolution
		return result
	}
	p := fit.params

	result.B, result.A = p[0], p[1]
	result.X0, result.Y0 = p[2], p[3]
	if f.Circular {
		result.SX, result.SY = p[4], p[4]
	} else {
		result.SX, result.SY, result.Theta = normalizeAxes(p[4], p[5], p[6])
	}

	if !finitePositive(result.SX) || !finitePositive(result.SY) || !finitePositive(result.A) {
		result.Status = PSFNoSolution
		return result
	}
	if pinned(p[2], lower[2], upper[2]) || pinned(p[3], lower[3], upper[3]) {
		result.Status = PSFInaccurateSolution
		return result
	}
	if !fit.converged && fit.step > minStepForConvergence {
		result.Status = PSFNoConvergence
		return result
	}

	var sumAbs float64
	for _, s := range samples {
		sumAbs += math.Abs(md.eval(p, s.x, s.y, nil) - s.z)
	}
	result.MAD = sumAbs / float64(len(samples)) / result.A
	result.Status = PSFFittedOk
	return result
}

// normalizeAxes returns the axes ordered so that sx >= sy, with theta the
// rotation of the sx axis in (-pi/2, pi/2].
func normalizeAxes(sx, sy, theta float64) (float64, float64, float64) {
	sx, sy = math.Abs(sx), math.Abs(sy)
	theta = euclidianModulus(theta, math.Pi)
	if theta > math.Pi/2.0 {
		theta -= math.Pi
	}
	if sy > sx {
		if theta <= 0 {
			theta += math.Pi / 2.0
		} else {
			theta -= math.Pi / 2.0
		}
		sx, sy = sy, sx
	}
	return sx, sy, theta
}

func euclidianModulus(x, y float64) float64 {
	return math.Mod(math.Mod(x, y)+y, y)
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func pinned(v, lo, hi float64) bool {
	const eps = 1e-9
	return v-lo < eps || hi-v < eps
}
