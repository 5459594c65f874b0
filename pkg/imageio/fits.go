package imageio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/astrogo/fitsio"
)

// ErrEmptyImage and ErrMultipleImages describe FITS files that carry no
// measurable image or more than one.
var (
	ErrEmptyImage     = errors.New("Empty subframe image.")
	ErrMultipleImages = errors.New("Has multiple images; unsupported")
)

// structuralKeys are generated by the FITS encoder and never copied between files.
var structuralKeys = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "EXTEND": true,
	"PCOUNT": true, "GCOUNT": true, "END": true, "XTENSION": true,
}

// FITSImage is the primary image of a FITS file with its raw samples.
type FITSImage struct {
	Width, Height int
	// Planes is 1 for monochrome data and 3 for an RGB cube.
	Planes int
	Bitpix int
	BZero  float64
	BScale float64
	// Cards are the non structural header cards in file order.
	Cards []fitsio.Card
	Raw   []byte
}

// ReadFITS decodes the single image HDU of r. name prefixes the errors.
func ReadFITS(r io.Reader, name string) (*FITSImage, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer f.Close()

	var images []fitsio.Image
	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok || hdu.Type() != fitsio.IMAGE_HDU {
			continue
		}
		if pixelCount(img.Header().Axes()) == 0 {
			continue
		}
		images = append(images, img)
	}
	switch {
	case len(images) == 0:
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyImage)
	case len(images) > 1:
		return nil, fmt.Errorf("%s: %w", name, ErrMultipleImages)
	}

	hdr := images[0].Header()
	axes := hdr.Axes()
	out := &FITSImage{
		Width:  axes[0],
		Height: 1,
		Planes: 1,
		Bitpix: hdr.Bitpix(),
		BZero:  cardFloat(hdr.Get("BZERO"), 0),
		BScale: cardFloat(hdr.Get("BSCALE"), 1),
	}
	if len(axes) > 1 {
		out.Height = axes[1]
	}
	if len(axes) > 2 {
		out.Planes = pixelCount(axes[2:])
	}
	if out.Planes != 1 && out.Planes != 3 {
		return nil, fmt.Errorf("%s: %w", name, ErrMultipleImages)
	}
	if out.Width <= 1 || out.Height <= 1 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyImage)
	}
	if bytesPerSample(out.Bitpix) == 0 {
		return nil, fmt.Errorf("%s: unsupported BITPIX %d", name, out.Bitpix)
	}

	out.Cards = copyableCards(hdr)

	raw := images[0].Raw()
	want := out.Width * out.Height * out.Planes * bytesPerSample(out.Bitpix)
	if len(raw) < want {
		return nil, fmt.Errorf("%s: truncated data: %d of %d bytes", name, len(raw), want)
	}
	out.Raw = append([]byte(nil), raw[:want]...)
	return out, nil
}

// Intensity returns the image normalized to [0, 1], averaging RGB planes.
// Integer data maps the full range of the stored type. Floating point data
// already inside [0, 1] is kept, anything else is rescaled over its extrema.
func (f *FITSImage) Intensity() []float32 {
	n := f.Width * f.Height
	values := f.physical()

	var lo, hi float64
	if f.Bitpix > 0 {
		rawLo, rawHi := integerRange(f.Bitpix)
		lo = f.BScale*rawLo + f.BZero
		hi = f.BScale*rawHi + f.BZero
		if lo > hi {
			lo, hi = hi, lo
		}
	} else {
		lo, hi = math.MaxFloat64, -math.MaxFloat64
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if lo >= 0 && hi <= 1 {
			lo, hi = 0, 1
		}
	}
	span := hi - lo
	if !(span > 0) {
		span = 1
	}

	out := make([]float32, n)
	for p := 0; p < f.Planes; p++ {
		plane := values[p*n : (p+1)*n]
		for i, v := range plane {
			if math.IsNaN(v) {
				continue
			}
			out[i] += float32(math.Min(1, math.Max(0, (v-lo)/span)))
		}
	}
	if f.Planes > 1 {
		inv := 1 / float32(f.Planes)
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}

// physical decodes Raw and applies BSCALE and BZERO.
func (f *FITSImage) physical() []float64 {
	size := bytesPerSample(f.Bitpix)
	count := len(f.Raw) / size
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		b := f.Raw[i*size:]
		var v float64
		switch f.Bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(b)))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(b)))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(b))
		}
		out[i] = v*f.BScale + f.BZero
	}
	return out
}

// samples converts Raw into the typed slice fitsio encodes for Bitpix.
func (f *FITSImage) samples() any {
	size := bytesPerSample(f.Bitpix)
	count := len(f.Raw) / size
	switch f.Bitpix {
	case 8:
		return append([]uint8(nil), f.Raw...)
	case 16:
		out := make([]int16, count)
		for i := range out {
			out[i] = int16(binary.BigEndian.Uint16(f.Raw[2*i:]))
		}
		return out
	case 32:
		out := make([]int32, count)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(f.Raw[4*i:]))
		}
		return out
	case 64:
		out := make([]int64, count)
		for i := range out {
			out[i] = int64(binary.BigEndian.Uint64(f.Raw[8*i:]))
		}
		return out
	case -32:
		out := make([]float32, count)
		for i := range out {
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(f.Raw[4*i:]))
		}
		return out
	default:
		out := make([]float64, count)
		for i := range out {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(f.Raw[8*i:]))
		}
		return out
	}
}

func (f *FITSImage) axes() []int {
	if f.Planes > 1 {
		return []int{f.Width, f.Height, f.Planes}
	}
	return []int{f.Width, f.Height}
}

// copyableCards returns every non structural card of hdr, COMMENT and
// HISTORY included. Header.Keys skips those, so the card list is walked
// by index until Card runs off its end.
func copyableCards(hdr *fitsio.Header) []fitsio.Card {
	var cards []fitsio.Card
	for i := 0; ; i++ {
		card := cardAt(hdr, i)
		if card == nil {
			return cards
		}
		if structuralKeys[card.Name] || strings.HasPrefix(card.Name, "NAXIS") {
			continue
		}
		cards = append(cards, *card)
	}
}

// cardAt is Header.Card returning nil past the last card.
func cardAt(hdr *fitsio.Header, i int) (card *fitsio.Card) {
	defer func() {
		if recover() != nil {
			card = nil
		}
	}()
	return hdr.Card(i)
}

func bytesPerSample(bitpix int) int {
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
		if bitpix < 0 {
			return -bitpix / 8
		}
		return bitpix / 8
	}
	return 0
}

func integerRange(bitpix int) (float64, float64) {
	if bitpix == 8 {
		return 0, 255
	}
	hi := math.Exp2(float64(bitpix-1)) - 1
	return -hi - 1, hi
}

func pixelCount(axes []int) int {
	if len(axes) == 0 {
		return 0
	}
	n := 1
	for _, a := range axes {
		n *= a
	}
	return n
}

func cardFloat(card *fitsio.Card, def float64) float64 {
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return def
}
