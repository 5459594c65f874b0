package subframe

import "math"

// Gaussian noise scaling factors of the 5x5 B3 spline transform, per layer.
var b3SplineKj = [...]float64{0.8907, 0.2007, 0.0856, 0.0413, 0.0205, 0.0103, 0.0052, 0.0026, 0.0013, 0.0007}

// NoiseMethod records which estimator produced a noise estimate.
type NoiseMethod int

const (
	NoiseMRS NoiseMethod = iota
	NoiseKSigma
)

func (m NoiseMethod) String() string {
	if m == NoiseKSigma {
		return "k-sigma"
	}
	return "MRS"
}

// NoiseEstimate is the outcome of NoiseEstimator.Estimate.
type NoiseEstimate struct {
	Sigma    float64
	Fraction float64 // share of pixels classified as noise
	Layers   int
	Method   NoiseMethod
}

// NoiseEstimator estimates the Gaussian noise standard deviation of an image
// with the multiresolution support method, falling back to k-sigma clipping
// of the first wavelet layer.
type NoiseEstimator struct {
	// StartLayers is the number of detail layers of the first attempt.
	StartLayers int
	// MinFraction is the smallest acceptable noise pixel fraction.
	MinFraction float64
}

// NewNoiseEstimator returns an estimator starting at four layers and
// accepting a 1% noise fraction.
func NewNoiseEstimator() *NoiseEstimator {
	return &NoiseEstimator{StartLayers: 4, MinFraction: 0.01}
}

const (
	mrsClip        = 3.0
	mrsLow         = 0.00002
	mrsHigh        = 0.99998
	mrsTolerance   = 1e-4
	mrsMaxIter     = 16
	mrsCorrection  = 0.974
	kSigmaClip     = 3.0
	kSigmaEps      = 0.01
	kSigmaMaxIters = 10
)

// Estimate never fails except with ErrAborted.
func (e *NoiseEstimator) Estimate(img Mat, mon *Monitor) (NoiseEstimate, error) {
	start := e.StartLayers
	if start < 2 || start > len(b3SplineKj) {
		start = 4
	}
	total := float64(img.Rows() * img.Cols())
	if total == 0 {
		return NoiseEstimate{Method: NoiseKSigma}, nil
	}

	var ks NoiseEstimate
	for n := start; ; {
		layers := AtrousB3Spline(img, n)
		if n == start {
			s, count, err := kSigmaNoise(layers[0], kSigmaClip, kSigmaEps, kSigmaMaxIters, mon)
			if err != nil {
				closeAll(layers)
				return NoiseEstimate{}, err
			}
			ks = NoiseEstimate{Sigma: s / b3SplineKj[0], Fraction: float64(count) / total, Layers: start, Method: NoiseKSigma}
		}
		s, count, err := mrsNoise(img, layers, ks.Sigma, mrsClip, mon)
		closeAll(layers)
		if err != nil {
			return NoiseEstimate{}, err
		}
		est := NoiseEstimate{Sigma: s, Fraction: float64(count) / total, Layers: n, Method: NoiseMRS}
		if est.Sigma > 0 && est.Fraction >= e.MinFraction {
			return est, nil
		}
		n--
		if n == 1 {
			return ks, nil
		}
	}
}

// kSigmaNoise iterates a k-sigma clipped standard deviation of layer and
// returns it with the number of samples kept.
func kSigmaNoise(layer Mat, k, eps float64, maxIter int, mon *Monitor) (float64, int, error) {
	n := layer.Rows() * layer.Cols()
	samples := make([]float32, n)
	copy(samples, layer.DataFloat32()[:n])
	poll := mon.poller()

	var s0 float64
	for it := 0; ; {
		if len(samples) < 2 {
			return 0, len(samples), nil
		}
		_, s := meanStdDev(samples)
		if 1+s == 1 {
			return 0, len(samples), nil
		}
		it++
		if it == maxIter || (it > 1 && (s0-s)/s0 < eps) {
			return s, len(samples), nil
		}
		s0 = s
		limit := float32(k * s)
		kept := samples[:0]
		for _, v := range samples {
			if v < limit && v > -limit {
				kept = append(kept, v)
			}
			if err := poll.tick(); err != nil {
				return 0, 0, err
			}
		}
		samples = kept
	}
}

// mrsNoise is the multiresolution support noise estimate. layers holds the
// detail layers followed by the residual. sigma seeds the first iteration.
func mrsNoise(img Mat, layers []Mat, sigma, k float64, mon *Monitor) (float64, int, error) {
	n := img.Rows() * img.Cols()
	if n < 9 {
		return 0, 0, nil
	}
	src := img.DataFloat32()[:n]
	if sigma == 0 {
		_, sigma = meanStdDev(src)
	}
	detail := len(layers) - 1
	residual := layers[detail].DataFloat32()
	coeffs := make([][]float32, detail)
	for j := range coeffs {
		coeffs[j] = layers[j].DataFloat32()
	}

	poll := mon.poller()
	samples := make([]float32, 0, n)
	var s0 float64
	for it := 0; ; {
		samples = samples[:0]
		for i, v := range src {
			if err := poll.tick(); err != nil {
				return 0, 0, err
			}
			if v <= mrsLow || v >= mrsHigh {
				continue
			}
			noise := true
			for j := 0; j < detail; j++ {
				if math.Abs(float64(coeffs[j][i])) > k*sigma*b3SplineKj[j] {
					noise = false
					break
				}
			}
			if noise {
				samples = append(samples, v-residual[i])
			}
		}
		if len(samples) < 2 {
			return 0, len(samples), nil
		}
		_, sigma = meanStdDev(samples)
		if 1+sigma == 1 {
			return 0, len(samples), nil
		}
		it++
		if it > 1 && math.Abs(sigma-s0)/s0 < mrsTolerance {
			return sigma / mrsCorrection, len(samples), nil
		}
		if it > mrsMaxIter {
			return 0, len(samples), nil
		}
		s0 = sigma
	}
}

// layerNoiseKSigma returns the k-sigma noise of detail layer j of an
// n-layer transform of img, scaled to image units.
func layerNoiseKSigma(img Mat, layers, j int, mon *Monitor) (float64, error) {
	decomposition := AtrousB3Spline(img, layers)
	defer closeAll(decomposition)
	s, _, err := kSigmaNoise(decomposition[j], kSigmaClip, kSigmaEps, kSigmaMaxIters, mon)
	if err != nil {
		return 0, err
	}
	return s / b3SplineKj[j], nil
}
