//go:build purego || js

package subframe

import (
	"image"
	"math"
)

// Backend names the image backend compiled in.
const Backend = "purego"

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data    []float32
	rows    int
	cols    int
	stride  int // elements per row in backing array (may differ from cols for regions)
	dataOff int
	owned   bool
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{
		data:   make([]float32, rows*cols),
		rows:   rows,
		cols:   cols,
		stride: cols,
		owned:  true,
	}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m Mat) Clone() Mat {
	out := NewMatWithSize(m.rows, m.cols)
	for r := 0; r < m.rows; r++ {
		off := m.dataOff + r*m.stride
		copy(out.data[r*m.cols:], m.data[off:off+m.cols])
	}
	return out
}

func (m *Mat) Close() {
	if m.owned {
		m.data = nil
	}
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
// Only valid for contiguous mats (not un-cloned views from Region).
func (m Mat) DataFloat32() []float32 {
	return m.data[m.dataOff:]
}

func (m Mat) Region(r image.Rectangle) Mat {
	return Mat{
		data:    m.data,
		rows:    r.Dy(),
		cols:    r.Dx(),
		stride:  m.stride,
		dataOff: m.dataOff + r.Min.Y*m.stride + r.Min.X,
	}
}

func CopyMatTo(src Mat, dst *Mat) {
	if dst.rows != src.rows || dst.cols != src.cols || dst.data == nil {
		*dst = NewMatWithSize(src.rows, src.cols)
	}
	for r := 0; r < src.rows; r++ {
		so := src.dataOff + r*src.stride
		do := dst.dataOff + r*dst.stride
		copy(dst.data[do:do+src.cols], src.data[so:so+src.cols])
	}
}

func ensureSize(dst *Mat, rows, cols int) {
	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}
}

func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	for idx < 0 || idx >= size {
		if idx < 0 {
			idx = -idx
		}
		if idx >= size {
			idx = 2*size - 2 - idx
		}
	}
	return idx
}

// convolveLine applies a 1D kernel to src with mirrored borders.
func convolveLine(src, dst, k []float32) {
	n := len(src)
	half := len(k) / 2
	for i := 0; i < n; i++ {
		var sum float32
		if i >= half && i+half < n {
			base := i - half
			for j, kv := range k {
				sum += src[base+j] * kv
			}
		} else {
			for j, kv := range k {
				sum += src[reflectIndex(i+j-half, n)] * kv
			}
		}
		dst[i] = sum
	}
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	kx := kernelX.DataFloat32()[:kernelX.rows*kernelX.cols]
	ky := kernelY.DataFloat32()[:kernelY.rows*kernelY.cols]
	in := src
	if src.stride != src.cols {
		in = src.Clone()
	}
	data := in.DataFloat32()

	temp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		convolveLine(data[r*cols:(r+1)*cols], temp[r*cols:(r+1)*cols], kx)
	}

	column := make([]float32, rows)
	filtered := make([]float32, rows)
	ensureSize(dst, rows, cols)
	out := dst.DataFloat32()
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			column[r] = temp[r*cols+c]
		}
		convolveLine(column, filtered, ky)
		for r := 0; r < rows; r++ {
			out[r*cols+c] = filtered[r]
		}
	}
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := NewMatWithSize(size, 1)
	data := m.DataFloat32()
	half := size / 2
	sum := 0.0
	weights := make([]float64, size)
	for i := range weights {
		x := float64(i - half)
		weights[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += weights[i]
	}
	for i, w := range weights {
		data[i] = float32(w / sum)
	}
	return m
}

// medianBlur applies a square median filter with replicated borders.
func medianBlur(src Mat, dst *Mat, ksize int) {
	rows, cols := src.rows, src.cols
	in := src.Clone()
	data := in.DataFloat32()
	half := ksize / 2
	window := make([]float32, 0, ksize*ksize)
	ensureSize(dst, rows, cols)
	out := dst.DataFloat32()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			window = window[:0]
			for dr := -half; dr <= half; dr++ {
				rr := clampInt(r+dr, 0, rows-1)
				for dc := -half; dc <= half; dc++ {
					window = append(window, data[rr*cols+clampInt(c+dc, 0, cols-1)])
				}
			}
			out[r*cols+c] = medianInPlace(window)
		}
	}
}

func thresholdBinary(src Mat, dst *Mat, thresh, maxval float32) {
	n := src.rows * src.cols
	sd := src.DataFloat32()
	ensureSize(dst, src.rows, src.cols)
	dd := dst.DataFloat32()
	for i := 0; i < n; i++ {
		if sd[i] > thresh {
			dd[i] = maxval
		} else {
			dd[i] = 0
		}
	}
}

func countNonZero(src Mat) int {
	data := src.DataFloat32()
	n := src.rows * src.cols
	count := 0
	for i := 0; i < n; i++ {
		if data[i] != 0 {
			count++
		}
	}
	return count
}

// morphDilateRect dilates with a square structuring element, done as two separable max passes.
func morphDilateRect(src Mat, dst *Mat, kernelSize int) {
	rows, cols := src.rows, src.cols
	half := kernelSize / 2
	in := src.Clone()
	data := in.DataFloat32()
	temp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := data[r*cols+c]
			for d := -half; d <= half; d++ {
				if x := data[r*cols+clampInt(c+d, 0, cols-1)]; x > v {
					v = x
				}
			}
			temp[r*cols+c] = v
		}
	}
	ensureSize(dst, rows, cols)
	out := dst.DataFloat32()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := temp[r*cols+c]
			for d := -half; d <= half; d++ {
				if x := temp[clampInt(r+d, 0, rows-1)*cols+c]; x > v {
					v = x
				}
			}
			out[r*cols+c] = v
		}
	}
}
