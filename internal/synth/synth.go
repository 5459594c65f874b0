// Package synth renders synthetic star fields for tests and the synth command.
package synth

import (
	"fmt"
	"math"
	"os"

	"github.com/astrogo/fitsio"
	"github.com/valyala/fastrand"
)

// Profile selects the star profile.
type Profile int

const (
	Gaussian Profile = iota
	Moffat
)

// Star is one synthetic point source.
type Star struct {
	X, Y      float64
	Amplitude float64
	SX, SY    float64 // scale along the rotated axes
	Theta     float64
	Beta      float64 // Moffat exponent, ignored for Gaussian stars
}

// Field describes a synthetic frame. Pixel values are normalized to [0, 1].
type Field struct {
	Width, Height int
	Background    float64
	Noise         float64 // Gaussian noise standard deviation
	Profile       Profile
	Stars         []Star
	Seed          uint32
}

// Grid places round stars on a square grid with the given spacing,
// keeping a margin of one spacing from every border.
func Grid(width, height, spacing int, amplitude, sigma float64) []Star {
	var stars []Star
	for y := spacing; y <= height-spacing; y += spacing {
		for x := spacing; x <= width-spacing; x += spacing {
			stars = append(stars, Star{X: float64(x), Y: float64(y), Amplitude: amplitude, SX: sigma, SY: sigma})
		}
	}
	return stars
}

// Render returns the row-major pixels of the field, clamped to [0, 1].
func (f Field) Render() []float32 {
	pix := make([]float32, f.Width*f.Height)
	var rng fastrand.RNG
	rng.Seed(f.Seed + 1)
	for i := range pix {
		v := f.Background
		if f.Noise > 0 {
			v += f.Noise * normal(&rng)
		}
		pix[i] = float32(v)
	}
	for _, s := range f.Stars {
		f.addStar(pix, s)
	}
	for i, v := range pix {
		pix[i] = float32(math.Min(1, math.Max(0, float64(v))))
	}
	return pix
}

func (f Field) addStar(pix []float32, s Star) {
	reach := 6 * math.Max(s.SX, s.SY)
	if f.Profile == Moffat {
		reach *= 3
	}
	x0 := max(0, int(s.X-reach))
	x1 := min(f.Width-1, int(s.X+reach)+1)
	y0 := max(0, int(s.Y-reach))
	y1 := min(f.Height-1, int(s.Y+reach)+1)
	cosT, sinT := math.Cos(s.Theta), math.Sin(s.Theta)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx, dy := float64(x)-s.X, float64(y)-s.Y
			u := dx*cosT + dy*sinT
			v := -dx*sinT + dy*cosT
			q := u*u/(s.SX*s.SX) + v*v/(s.SY*s.SY)
			var h float64
			if f.Profile == Moffat {
				h = math.Pow(1+q, -s.Beta)
			} else {
				h = math.Exp(-q / 2)
			}
			pix[y*f.Width+x] += float32(s.Amplitude * h)
		}
	}
}

// normal draws a standard normal deviate with the Box-Muller transform.
func normal(rng *fastrand.RNG) float64 {
	u1 := (float64(rng.Uint32()) + 1) / (math.MaxUint32 + 2)
	u2 := float64(rng.Uint32()) / (math.MaxUint32 + 1)
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// WriteFITS stores pixels as a single 16-bit unsigned FITS image.
func WriteFITS(path string, width, height int, pixels []float32) error {
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create FITS %s: %w", path, err)
	}
	defer f.Close()

	data := make([]int16, len(pixels))
	for i, v := range pixels {
		data[i] = int16(int32(math.Round(float64(v)*65535)) - 32768)
	}
	img := fitsio.NewImage(16, []int{width, height})
	defer img.Close()
	if err := img.Header().Append(
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1},
		fitsio.Card{Name: "IMAGETYP", Value: "LIGHT", Comment: "synthetic star field"},
	); err != nil {
		return err
	}
	if err := img.Write(data); err != nil {
		return fmt.Errorf("write FITS data: %w", err)
	}
	return f.Write(img)
}
