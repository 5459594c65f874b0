/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package subframe

import (
	"fmt"
	"image"
	"math"
	"slices"
)

// ConvolveGaussian applies a separated Gaussian convolution.
func ConvolveGaussian(src, dst *Mat, kernelSize int) {
	if kernelSize < 3 || kernelSize%2 == 0 {
		panic("kernelSize must be a positive odd number >= 3")
	}
	sigma := 0.159758 * float64(kernelSize)
	kernel := getGaussianKernel1D(kernelSize, sigma)
	defer kernel.Close()
	sepFilter2DReflect(*src, dst, kernel, kernel)
}

// NewMatFromPixels returns a width x height image holding a copy of pix in
// row-major order.
func NewMatFromPixels(width, height int, pix []float32) (Mat, error) {
	if width <= 0 || height <= 0 {
		return Mat{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if len(pix) != width*height {
		return Mat{}, fmt.Errorf("pixel count %d does not match %dx%d", len(pix), width, height)
	}
	m := NewMatWithSize(height, width)
	copy(m.DataFloat32(), pix)
	return m, nil
}

// Crop returns a contiguous copy of the r region of img.
func Crop(img Mat, r image.Rectangle) Mat {
	view := img.Region(r)
	out := view.Clone()
	view.Close()
	return out
}

// GetB3SplineFilter creates a B3 spline wavelet filter for the given dyadic layer.
func GetB3SplineFilter(dyadicLayer int) Mat {
	size := (1 << uint(dyadicLayer+2)) + 1
	filter := NewMatWithSize(size, 1)
	data := filter.DataFloat32()
	for i := range data[:size] {
		data[i] = 0
	}
	data[0] = 0.0625
	data[size-1] = 0.0625
	data[1<<uint(dyadicLayer)] = 0.25
	data[size-(1<<uint(dyadicLayer))-1] = 0.25
	data[size>>1] = 0.375
	return filter
}

// AtrousB3Spline decomposes src into n detail layers followed by the
// smooth residual layer, n+1 mats in total. The caller closes them.
func AtrousB3Spline(src Mat, n int) []Mat {
	count := src.Rows() * src.Cols()
	layers := make([]Mat, 0, n+1)
	prev := src.Clone()
	for j := 0; j < n; j++ {
		filter := GetB3SplineFilter(j)
		smooth := NewMat()
		sepFilter2DReflect(prev, &smooth, filter, filter)
		filter.Close()
		pd, sd := prev.DataFloat32(), smooth.DataFloat32()
		for i := 0; i < count; i++ {
			pd[i] -= sd[i]
		}
		layers = append(layers, prev)
		prev = smooth
	}
	return append(layers, prev)
}

func closeAll(mats []Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

const histogramBuckets = 1 << 16

// HistogramMedian computes the median of img over [0, 1] with a 16-bit
// histogram, interpolating inside the median bucket.
func HistogramMedian(img Mat, mon *Monitor) (float64, error) {
	histogram := make([]uint32, histogramBuckets)
	data := img.DataFloat32()
	n := img.Rows() * img.Cols()
	poll := mon.poller()
	for i := 0; i < n; i++ {
		histogram[bucketIndex(float64(data[i]))]++
		if err := poll.tick(); err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, nil
	}

	target := float64(n) / 2.0
	var count uint32
	for i := 0; i < histogramBuckets; i++ {
		if histogram[i] == 0 {
			continue
		}
		count += histogram[i]
		if float64(count) >= target {
			lower := float64(i) / histogramBuckets
			upper := float64(i+1) / histogramBuckets
			ratio := 1 - (float64(count)-target)/float64(histogram[i])
			return lower + (upper-lower)*ratio, nil
		}
	}
	return 1, nil
}

func bucketIndex(v float64) int {
	idx := int(math.Floor(v * histogramBuckets))
	if idx < 0 {
		return 0
	}
	if idx >= histogramBuckets {
		return histogramBuckets - 1
	}
	return idx
}

// MeanAbsDeviation returns the mean of |v - center| over img.
func MeanAbsDeviation(img Mat, center float64, mon *Monitor) (float64, error) {
	data := img.DataFloat32()
	n := img.Rows() * img.Cols()
	if n == 0 {
		return 0, nil
	}
	poll := mon.poller()
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(float64(data[i]) - center)
		if err := poll.tick(); err != nil {
			return 0, err
		}
	}
	return sum / float64(n), nil
}

// meanStdDev returns the mean and the sample standard deviation.
func meanStdDev(values []float32) (float64, float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var sse float64
	for _, v := range values {
		d := float64(v) - mean
		sse += d * d
	}
	return mean, math.Sqrt(sse / float64(n-1))
}

// medianInPlace sorts values and returns their median.
func medianInPlace(values []float32) float32 {
	n := len(values)
	if n == 0 {
		return 0
	}
	slices.Sort(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// medianMADInRange returns the median and the median absolute deviation of
// the samples strictly inside (lo, hi).
func medianMADInRange(data []float32, lo, hi float32) (float64, float64) {
	samples := make([]float32, 0, len(data)/4)
	for _, v := range data {
		if v > lo && v < hi {
			samples = append(samples, v)
		}
	}
	if len(samples) == 0 {
		return 0, 0
	}
	median := medianInPlace(samples)
	for i, v := range samples {
		samples[i] = float32(math.Abs(float64(v - median)))
	}
	return float64(median), float64(medianInPlace(samples))
}

// truncateRescale clamps m to [0, 1] and stretches the result to span [0, 1].
func truncateRescale(m Mat) {
	data := m.DataFloat32()
	n := m.Rows() * m.Cols()
	lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for i := 0; i < n; i++ {
		v := data[i]
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		data[i] = v
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return
	}
	scale := 1 / (hi - lo)
	for i := 0; i < n; i++ {
		data[i] = (data[i] - lo) * scale
	}
}

// subtractInPlace subtracts rhs from lhs without clamping.
func subtractInPlace(lhs, rhs Mat) {
	ld, rd := lhs.DataFloat32(), rhs.DataFloat32()
	n := lhs.Rows() * lhs.Cols()
	for i := 0; i < n; i++ {
		ld[i] -= rd[i]
	}
}

// circularMedian applies a median filter over a disc of the given radius,
// or over the full square when circular is false.
func circularMedian(src Mat, radius int, circular bool) Mat {
	in := src.Clone()
	defer in.Close()
	rows, cols := in.Rows(), in.Cols()
	data := in.DataFloat32()
	out := NewMatWithSize(rows, cols)
	od := out.DataFloat32()

	var offsets []image.Point
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if !circular || dx*dx+dy*dy <= radius*radius {
				offsets = append(offsets, image.Pt(dx, dy))
			}
		}
	}
	window := make([]float32, len(offsets))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			for i, o := range offsets {
				window[i] = data[clampInt(r+o.Y, 0, rows-1)*cols+clampInt(c+o.X, 0, cols-1)]
			}
			od[r*cols+c] = medianInPlace(window)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
