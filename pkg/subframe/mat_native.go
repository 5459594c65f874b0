//go:build !purego && !js

package subframe

import (
	"image"

	"gocv.io/x/gocv"
)

// Backend names the image backend compiled in.
const Backend = "opencv"

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                            { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat      { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int                    { return mat.m.Rows() }
func (mat Mat) Cols() int                    { return mat.m.Cols() }
func (mat Mat) Empty() bool                  { return mat.m.Empty() }
func (mat Mat) Clone() Mat                   { return Mat{m: mat.m.Clone()} }
func (mat *Mat) Close()                      { mat.m.Close() }
func (mat Mat) Region(r image.Rectangle) Mat { return Mat{m: mat.m.Region(r)} }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

func CopyMatTo(src Mat, dst *Mat) {
	src.m.CopyTo(&dst.m)
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	gocv.SepFilter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernelX.m, kernelY.m, image.Pt(-1, -1), 0, gocv.BorderReflect)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	return Mat{m: gocv.GetGaussianKernel(size, sigma)}
}

// medianBlur uses OpenCV for the float kernels it supports (3 and 5).
func medianBlur(src Mat, dst *Mat, ksize int) {
	if ksize <= 5 {
		gocv.MedianBlur(src.m, &dst.m, ksize)
		return
	}
	out := circularMedian(src, ksize/2, false)
	CopyMatTo(out, dst)
	out.Close()
}

func thresholdBinary(src Mat, dst *Mat, thresh, maxval float32) {
	gocv.Threshold(src.m, &dst.m, thresh, maxval, gocv.ThresholdBinary)
}

func countNonZero(src Mat) int {
	return gocv.CountNonZero(src.m)
}

func morphDilateRect(src Mat, dst *Mat, kernelSize int) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()
	gocv.Dilate(src.m, &dst.m, kernel)
}
