//go:build !purego && !js

package imageio

import (
	"fmt"

	"gocv.io/x/gocv"
)

func decodeRaster(path string) ([]float32, int, int, error) {
	src := gocv.IMRead(path, gocv.IMReadUnchanged)
	if src.Empty() {
		return nil, 0, 0, fmt.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	var scale float64
	switch src.Type() & 7 {
	case gocv.MatTypeCV8U:
		scale = 1.0 / 255
	case gocv.MatTypeCV16U:
		scale = 1.0 / 65535
	case gocv.MatTypeCV32F:
		scale = 1
	default:
		return nil, 0, 0, fmt.Errorf("%s: unsupported sample type %v", path, src.Type())
	}

	floatMat := gocv.NewMat()
	defer floatMat.Close()
	src.ConvertToWithParams(&floatMat, gocv.MatTypeCV32F, float32(scale), 0)

	// Average the colour channels; alpha is ignored.
	channels := gocv.Split(floatMat)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	gray := channels[0].Clone()
	defer gray.Close()
	if n := min(3, len(channels)); n > 1 {
		for _, c := range channels[1:n] {
			gocv.Add(gray, c, &gray)
		}
		gray.DivideFloat(float32(n))
	}

	w, h := gray.Cols(), gray.Rows()
	data, err := gray.DataPtrFloat32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: %w", path, err)
	}
	pix := make([]float32, w*h)
	copy(pix, data)
	return pix, w, h, nil
}
