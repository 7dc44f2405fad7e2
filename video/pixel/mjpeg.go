package pixel

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// decodeMJPEG decodes one compressed frame straight into dst.
func decodeMJPEG(dst []byte, to Format, src Frame) error {
	img, err := jpeg.Decode(bytes.NewReader(src.Data))
	if err != nil {
		return fmt.Errorf("%w: decoding %d byte mjpeg frame: %v", ErrConversion, len(src.Data), err)
	}
	b := img.Bounds()
	if b.Dx() != src.Width || b.Dy() != src.Height {
		return fmt.Errorf("%w: mjpeg frame is %dx%d, expected %dx%d", ErrConversion, b.Dx(), b.Dy(), src.Width, src.Height)
	}

	switch m := img.(type) {
	case *image.YCbCr:
		return fromYCbCr(dst, to, m)
	case *image.Gray:
		return fromGray(dst, to, m)
	}
	return fromImage(dst, to, img)
}

func fromYCbCr(dst []byte, to Format, m *image.YCbCr) error {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	if to == I420 {
		yp, up, vp, err := Planes(dst, w, h)
		if err != nil {
			return err
		}
		for y := 0; y < h; y++ {
			row := yp.Row(y)
			for x := range row {
				row[x] = m.Y[m.YOffset(b.Min.X+x, b.Min.Y+y)]
			}
		}
		for y := 0; y < h/2; y++ {
			ur, vr := up.Row(y), vp.Row(y)
			for x := range ur {
				// Sample chroma at the top-left pixel of each 2x2 block.
				c := m.COffset(b.Min.X+2*x, b.Min.Y+2*y)
				ur[x], vr[x] = m.Cb[c], m.Cr[c]
			}
		}
		return nil
	}

	bpp := to.PackedBytes()
	for y := 0; y < h; y++ {
		out := dst[y*w*bpp : (y+1)*w*bpp]
		for x := 0; x < w; x++ {
			px, py := b.Min.X+x, b.Min.Y+y
			yy := m.Y[m.YOffset(px, py)]
			if to == GRAY8 {
				out[x] = yy
				continue
			}
			c := m.COffset(px, py)
			r, g, bl := color.YCbCrToRGB(yy, m.Cb[c], m.Cr[c])
			writeRGB(out[x*bpp:], to, r, g, bl)
		}
	}
	return nil
}

func fromGray(dst []byte, to Format, m *image.Gray) error {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	if to == I420 {
		yp, up, vp, err := Planes(dst, w, h)
		if err != nil {
			return err
		}
		for y := 0; y < h; y++ {
			copy(yp.Row(y), m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		for i := range up.Data {
			up.Data[i] = 128
			vp.Data[i] = 128
		}
		return nil
	}
	bpp := to.PackedBytes()
	for y := 0; y < h; y++ {
		in := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):]
		out := dst[y*w*bpp : (y+1)*w*bpp]
		for x := 0; x < w; x++ {
			writeRGB(out[x*bpp:], to, in[x], in[x], in[x])
		}
	}
	return nil
}

// fromImage handles the remaining decoder outputs (CMYK) through the
// generic colour model. It is slow but such streams are rare.
func fromImage(dst []byte, to Format, img image.Image) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rgb := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := (y*w + x) * 3
			rgb[i], rgb[i+1], rgb[i+2] = c.R, c.G, c.B
		}
	}
	f := Frame{Width: w, Height: h, Format: RGB24, Data: rgb}
	switch {
	case to == RGB24:
		copy(dst, rgb)
		return nil
	case to == I420 || to == GRAY8:
		return packPlanar(dst, to, f)
	}
	return repack(dst, to, f)
}
