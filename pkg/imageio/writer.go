package imageio

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"
)

// History is appended to every FITS subframe the Writer produces.
const History = "Measured with SubframeSelector process"

// Writer copies subframes to their output location, embedding the weight
// keyword where the output format can store it.
type Writer struct {
	// Hints may contain "compress" to deflate raster outputs.
	Hints  string
	Logger *slog.Logger
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// WriteWeighted writes src to dst with keyword set to weight. FITS inputs
// keep their samples and header; old cards named keyword are replaced.
func (w *Writer) WriteWeighted(src, dst, keyword string, weight float64) error {
	if DetectFormat(dst) != FormatFITS {
		return w.writeRaster(src, dst)
	}

	var img *FITSImage
	if DetectFormat(src) == FormatFITS {
		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("opening FITS file: %w", err)
		}
		img, err = ReadFITS(in, src)
		in.Close()
		if err != nil {
			return err
		}
	} else {
		pix, width, height, err := decodeFile(src)
		if err != nil {
			return err
		}
		img = fitsFromIntensity(pix, width, height)
	}

	cards := make([]fitsio.Card, 0, len(img.Cards)+3)
	for _, c := range img.Cards {
		if keyword != "" && c.Name == keyword {
			continue
		}
		cards = append(cards, c)
	}
	cards = append(cards, fitsio.Card{Name: "HISTORY", Comment: History})
	if keyword != "" {
		cards = append(cards, fitsio.Card{
			Name:    keyword,
			Value:   math.Round(weight*1e6) / 1e6,
			Comment: "SubframeSelector.weight",
		})
	}
	return writeFITS(dst, img, cards)
}

func (w *Writer) writeRaster(src, dst string) error {
	pix, width, height, err := decodeFile(src)
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	opts := &tiff.Options{Compression: tiff.Uncompressed}
	if _, ok := ParseHints(w.Hints)["compress"]; ok {
		opts.Compression = tiff.Deflate
	}
	if err := tiff.Encode(out, grayImage16(pix, width, height), opts); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", dst, err)
	}
	w.logger().Warn("** Warning: The output format cannot store FITS header keywords - subframe weight metadata not embedded.", "path", dst)
	return out.Close()
}

func writeFITS(path string, img *FITSImage, cards []fitsio.Card) error {
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

	hdu := fitsio.NewImage(img.Bitpix, img.axes())
	defer hdu.Close()
	if err := hdu.Header().Append(cards...); err != nil {
		return fmt.Errorf("%s: header: %w", path, err)
	}
	if err := hdu.Write(img.samples()); err != nil {
		return fmt.Errorf("write FITS data: %w", err)
	}
	return f.Write(hdu)
}

// fitsFromIntensity stores normalized pixels as unsigned 16-bit FITS data.
func fitsFromIntensity(pix []float32, width, height int) *FITSImage {
	img := &FITSImage{
		Width: width, Height: height, Planes: 1,
		Bitpix: 16, BZero: 32768, BScale: 1,
		Cards: []fitsio.Card{
			{Name: "BZERO", Value: 32768},
			{Name: "BSCALE", Value: 1},
		},
		Raw: make([]byte, 2*len(pix)),
	}
	for i, v := range pix {
		dn := int32(math.Round(float64(min(1, max(0, v))) * 65535))
		u := uint16(int16(dn - 32768))
		img.Raw[2*i] = byte(u >> 8)
		img.Raw[2*i+1] = byte(u)
	}
	return img
}
