package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay is one labelled box to draw onto a frame before relay.
type Overlay struct {
	Label      string
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// Box colors distinguish where the inference ran: red for this process,
// blue for a fleet worker.
var (
	localColor  = color.RGBA{R: 255, A: 255}
	remoteColor = color.RGBA{G: 100, B: 255, A: 255}
)

const boxThickness = 2

// Annotate draws overlays onto jpg and re-encodes at quality.
func Annotate(jpg []byte, overlays []Overlay, remote bool, quality int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpg))
	if err != nil {
		return nil, fmt.Errorf("vision: decode frame: %w", err)
	}

	bounds := src.Bounds()
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, src, bounds.Min, draw.Src)

	col := localColor
	if remote {
		col = remoteColor
	}

	for _, o := range overlays {
		drawRect(img, int(o.X1), int(o.Y1), int(o.X2), int(o.Y2), col)
		drawLabel(img, int(o.X1), int(o.Y1)-6, fmt.Sprintf("%s %.2f", o.Label, o.Confidence), col)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("vision: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// reencode transcodes a JPEG to the given quality without drawing.
func reencode(jpg []byte, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpg))
	if err != nil {
		return nil, fmt.Errorf("vision: decode frame: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("vision: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// drawRect strokes a rectangle outline. draw.Draw clips against the image
// bounds, so boxes that spill off-frame are drawn partially rather than
// rejected.
func drawRect(img *image.RGBA, x1, y1, x2, y2 int, col color.Color) {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	u := image.NewUniform(col)
	t := boxThickness
	draw.Draw(img, image.Rect(x1, y1, x2, y1+t), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(x1, y2-t, x2, y2), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(x1, y1, x1+t, y2), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(x2-t, y1, x2, y2), u, image.Point{}, draw.Src)
}

func drawLabel(img *image.RGBA, x, y int, text string, col color.Color) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
