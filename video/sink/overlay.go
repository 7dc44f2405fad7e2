package sink

import (
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"camshm/video/pixel"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// DrawTimestamp draws the channel name and capture time in the top left
// corner of img.
func DrawTimestamp(name string, t time.Time, img *gocv.Mat) {
	text := name + " - " + t.Format("2006-01-02 15:04:05.000 MST")

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)

	pad := 2

	gocv.Rectangle(img, image.Rectangle{Min: image.Point{X: 0, Y: 0}, Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)

	gocv.PutText(img, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorTime, thickness)
}

// matBuilder converts frames of any publishable format to BGR Mats, the
// layout OpenCV draws and encodes.
type matBuilder struct {
	conv *pixel.Converter
	buf  []byte
}

// mat returns a Mat over the builder's buffer. It is only valid until the
// next call and must be closed by the caller.
func (b *matBuilder) mat(f pixel.Frame) (gocv.Mat, error) {
	if b.conv == nil || b.conv.Src != f.Format {
		conv, err := pixel.NewConverter(f.Format, pixel.BGR24)
		if err != nil {
			return gocv.Mat{}, err
		}
		b.conv = conv
	}
	size := pixel.FrameSize(pixel.BGR24, f.Width, f.Height)
	if cap(b.buf) < size {
		b.buf = make([]byte, size)
	}
	b.buf = b.buf[:size]
	if err := b.conv.Convert(b.buf, f); err != nil {
		return gocv.Mat{}, err
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, b.buf)
}
