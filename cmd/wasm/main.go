//go:build js && wasm

package main

import (
	"bytes"
	"context"
	"syscall/js"

	"subframeselector/pkg/imageio"
	"subframeselector/pkg/scheduler"
	"subframeselector/pkg/subframe"
)

// memLoader serves one decoded buffer to the measurer.
type memLoader struct {
	img subframe.Mat
}

func (l memLoader) Load(ctx context.Context, _ string) (subframe.Mat, error) {
	if err := ctx.Err(); err != nil {
		return subframe.Mat{}, err
	}
	return l.img.Clone(), nil
}

var last struct {
	img    subframe.Mat
	params subframe.DetectorParams
	m      *subframe.Measurer
}

func main() {
	js.Global().Set("measureFITS", js.FuncOf(measureFITS))
	js.Global().Set("renderOverlay", js.FuncOf(renderOverlay))
	select {}
}

// measureFITS(fileBytes, options) measures one FITS buffer. options may
// carry psf, circular, pedestal and bayer.
func measureFITS(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return errorResult("usage: measureFITS(fileBytes, options)")
	}
	data := make([]byte, args[0].Get("length").Int())
	js.CopyBytesToGo(data, args[0])

	fn := subframe.PSFMoffat4
	circular := false
	loader := &imageio.Loader{Resolution: subframe.Bits16}
	if len(args) >= 2 && args[1].Type() == js.TypeObject {
		opts := args[1]
		if v := opts.Get("psf"); v.Type() == js.TypeString {
			f, err := subframe.ParsePSFFunction(v.String())
			if err != nil {
				return errorResult(err.Error())
			}
			fn = f
		}
		if v := opts.Get("circular"); v.Type() == js.TypeBoolean {
			circular = v.Bool()
		}
		if v := opts.Get("pedestal"); v.Type() == js.TypeNumber {
			loader.Pedestal = v.Int()
		}
		if v := opts.Get("bayer"); v.Type() == js.TypeString {
			loader.Hints = "bayer=" + v.String()
		}
	}

	img, err := loader.LoadFITS(data, "buffer.fits")
	if err != nil {
		return errorResult(err.Error())
	}
	params := subframe.NewDetectorParams()
	m := &subframe.Measurer{
		Loader:   memLoader{img: img},
		Noise:    subframe.NewNoiseEstimator(),
		Detector: subframe.NewStarDetector(params),
		Fitter:   subframe.NewPSFFitter(fn, circular),
		Function: fn,
	}
	last.img.Close()
	last.img, last.params, last.m = img, params, m

	ctx := context.Background()
	mon, stop := subframe.NewMonitor(ctx)
	defer stop()
	q, err := m.Measure(ctx, "buffer.fits", mon)
	if err != nil {
		return errorResult(err.Error())
	}
	return js.ValueOf(map[string]any{
		"width":               img.Cols(),
		"height":              img.Rows(),
		"fwhm":                q.FWHM,
		"fwhmMeanDev":         q.FWHMMeanDev,
		"eccentricity":        q.Eccentricity,
		"eccentricityMeanDev": q.EccentricityMeanDev,
		"snrWeight":           q.SNRWeight,
		"median":              q.Median,
		"medianMeanDev":       q.MedianMeanDev,
		"noise":               q.Noise,
		"noiseRatio":          q.NoiseRatio,
		"stars":               q.Stars,
		"starResidual":        q.StarResidual,
		"starResidualMeanDev": q.StarResidualMeanDev,
	})
}

// renderOverlay returns the detection overlay of the last buffer as JPEG bytes.
func renderOverlay(this js.Value, args []js.Value) any {
	if last.m == nil {
		return js.Null()
	}
	preview, err := scheduler.TestDetection(context.Background(), []scheduler.Subframe{{Path: "buffer.fits", Enabled: true}}, last.m, last.params)
	if err != nil {
		return js.Null()
	}
	defer preview.Close()
	var buf bytes.Buffer
	if err := preview.RenderOverlay(&buf); err != nil {
		return js.Null()
	}
	out := js.Global().Get("Uint8Array").New(buf.Len())
	js.CopyBytesToJS(out, buf.Bytes())
	return out
}

func errorResult(msg string) any {
	return js.ValueOf(map[string]any{"error": msg})
}
