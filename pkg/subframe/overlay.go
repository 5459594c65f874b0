package subframe

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayInput is what RenderDetectionOverlay draws.
type OverlayInput struct {
	Image        Mat
	StructureMap *Mat
	Stars        []Star
	Field        FieldAnalysis
	Median       float64
	Noise        float64
}

// RenderDetectionOverlay writes a JPEG showing the stretched image, the
// structure map in red, circles around detected stars and per-zone counts.
func RenderDetectionOverlay(w io.Writer, in OverlayInput) error {
	img, err := renderDetectionImage(in)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

func renderDetectionImage(in OverlayInput) (*image.RGBA, error) {
	width, height := in.Image.Cols(), in.Image.Rows()
	if width == 0 || height == 0 {
		return nil, errors.New("no image to render")
	}

	// Render at reduced resolution (800px wide, proportional height)
	const targetWidth = 800
	scale := float64(targetWidth) / float64(width)
	if scale > 1 {
		scale = 1
	}
	imgW := max(1, int(float64(width)*scale))
	imgH := max(1, int(float64(height)*scale))
	summaryH := 40
	out := image.NewRGBA(image.Rect(0, 0, imgW, imgH+summaryH))

	data := in.Image.DataFloat32()
	var structure []float32
	if in.StructureMap != nil && in.StructureMap.Rows() == height && in.StructureMap.Cols() == width {
		structure = in.StructureMap.DataFloat32()
	}
	// Linear stretch from median to median + 20 sigma.
	lo := in.Median
	span := 20 * in.Noise
	if span <= 0 {
		span = 1
	}
	for y := 0; y < imgH; y++ {
		sy := min(height-1, int(float64(y)/scale))
		for x := 0; x < imgW; x++ {
			sx := min(width-1, int(float64(x)/scale))
			v := (float64(data[sy*width+sx]) - lo) / span
			g := uint8(255 * min(1, max(0, v)))
			c := color.RGBA{g, g, g, 255}
			if structure != nil && structure[sy*width+sx] != 0 {
				c.R = 255
			}
			out.SetRGBA(x, y, c)
		}
	}

	xLo := int(float64(imgW) * fieldEdgeFraction)
	xHi := int(float64(imgW) * (1.0 - fieldEdgeFraction))
	yLo := int(float64(imgH) * fieldEdgeFraction)
	yHi := int(float64(imgH) * (1.0 - fieldEdgeFraction))
	gridColor := color.RGBA{80, 160, 255, 180}
	for x := 0; x < imgW; x++ {
		out.Set(x, yLo, gridColor)
		out.Set(x, yHi, gridColor)
	}
	for y := 0; y < imgH; y++ {
		out.Set(xLo, y, gridColor)
		out.Set(xHi, y, gridColor)
	}

	starColor := color.RGBA{80, 255, 80, 255}
	for _, s := range in.Stars {
		radius := max(3, int(float64(max(s.Bounds.Dx(), s.Bounds.Dy()))*scale))
		drawCircle(out, int(s.Pos.X*scale), int(s.Pos.Y*scale), radius, starColor)
	}

	face := basicfont.Face7x13
	xBounds := [3][2]int{{0, xLo}, {xLo, xHi}, {xHi, imgW}}
	yBounds := [3][2]int{{0, yLo}, {yLo, yHi}, {yHi, imgH}}
	textColor := color.RGBA{255, 255, 0, 255}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			zone := in.Field.Zones[allZones[row*3+col]]
			cx := (xBounds[col][0] + xBounds[col][1]) / 2
			cy := (yBounds[row][0] + yBounds[row][1]) / 2
			drawCenteredText(out, face, zone.Label, cx, cy-2, textColor)
			drawCenteredText(out, face, fmt.Sprintf("n=%d", zone.StarCount), cx, cy+12, textColor)
		}
	}

	summary := fmt.Sprintf("Stars: %d  Balance: %.2f  Empty zones: %d  Noise: %.3e",
		len(in.Stars), in.Field.Balance, in.Field.EmptyZones, in.Noise)
	if !in.Field.Reliable {
		summary += "  [LOW STAR COUNT]"
	}
	drawText(out, face, summary, 10, imgH+24, color.RGBA{220, 220, 220, 255})
	return out, nil
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCenteredText draws a string centered at (cx, cy).
func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, cy, c)
}

// drawCircle draws a circle outline using the midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x := radius
	y := 0
	err := 0
	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}
