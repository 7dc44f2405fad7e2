package pixel

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"testing"
)

func convertOrFail(t *testing.T, src Frame, to Format) []byte {
	t.Helper()
	c, err := NewConverter(src.Format, to)
	if err != nil {
		t.Fatalf("NewConverter(%v, %v): %v", src.Format, to, err)
	}
	dst := make([]byte, FrameSize(to, src.Width, src.Height))
	if err := c.Convert(dst, src); err != nil {
		t.Fatalf("Convert %v: %v", c, err)
	}
	return dst
}

func near(a, b byte, tol int) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestYUYVNeutralGray(t *testing.T) {
	src := Frame{Width: 2, Height: 1, Format: YUYV, Data: []byte{128, 128, 128, 128}}
	got := convertOrFail(t, src, RGB24)
	want := []byte{128, 128, 128, 128, 128, 128}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestYUYVClamps(t *testing.T) {
	tests := []struct {
		name string
		quad []byte
		want []byte
	}{
		// Y=255, U=255, V=0: R = 255 - 175.45 = 79.55, G and B saturate high.
		{"high", []byte{255, 255, 255, 0}, []byte{79, 255, 255, 79, 255, 255}},
		// Y=0, U=0, V=255: G and B saturate at zero.
		{"low", []byte{0, 0, 0, 255}, []byte{174, 0, 0, 174, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := Frame{Width: 2, Height: 1, Format: YUYV, Data: tt.quad}
			got := convertOrFail(t, src, RGB24)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// truncated applies the real-valued conversion formula. ok is false when
// the value is so close to an integer that the 16.16 coefficients may land
// on either side of it.
func truncated(v float64) (b byte, ok bool) {
	if _, frac := math.Modf(v); v > 0 && (frac < 0.002 || frac > 0.998) {
		return 0, false
	}
	switch {
	case v < 0:
		return 0, true
	case v > 255:
		return 255, true
	}
	return byte(v), true
}

func TestYUVMatchesFormula(t *testing.T) {
	for y := 0; y < 256; y += 3 {
		for u := 0; u < 256; u += 5 {
			for v := 0; v < 256; v += 7 {
				cu, cv := float64(u-128), float64(v-128)
				want := [3]float64{
					float64(y) + 1.370705*cv,
					float64(y) - 0.698001*cv - 0.337633*cu,
					float64(y) + 1.732446*cu,
				}
				r, g, b := yuvToRGB(byte(y), byte(u), byte(v))
				for i, got := range [3]byte{r, g, b} {
					w, ok := truncated(want[i])
					if !ok {
						continue
					}
					if got != w {
						t.Fatalf("Y=%d U=%d V=%d channel %d: got %d, want %d (%.4f)", y, u, v, i, got, w, want[i])
					}
				}
			}
		}
	}
}

func TestYUYVToOtherLayouts(t *testing.T) {
	src := Frame{Width: 2, Height: 1, Format: YUYV, Data: []byte{255, 255, 255, 0}}
	if got := convertOrFail(t, src, BGR24); !bytes.Equal(got, []byte{255, 255, 79, 255, 255, 79}) {
		t.Errorf("bgr24: %v", got)
	}
	if got := convertOrFail(t, src, BGRA); !bytes.Equal(got, []byte{255, 255, 79, 255, 255, 255, 79, 255}) {
		t.Errorf("bgra: %v", got)
	}
	if got := convertOrFail(t, src, GRAY8); !bytes.Equal(got, []byte{255, 255}) {
		t.Errorf("gray8: %v", got)
	}
}

func TestYUYVStride(t *testing.T) {
	src := Frame{
		Width: 2, Height: 2, Format: YUYV, Stride: 8,
		Data: []byte{
			10, 128, 20, 128, 0xee, 0xee, 0xee, 0xee,
			30, 128, 40, 128, 0xee, 0xee, 0xee, 0xee,
		},
	}
	got := convertOrFail(t, src, GRAY8)
	if !bytes.Equal(got, []byte{10, 20, 30, 40}) {
		t.Fatalf("got %v", got)
	}
}

func TestYUYVToI420(t *testing.T) {
	src := Frame{
		Width: 2, Height: 2, Format: YUYV,
		Data: []byte{
			1, 100, 2, 200,
			3, 101, 4, 203,
		},
	}
	got := convertOrFail(t, src, I420)
	want := []byte{1, 2, 3, 4, 101, 202}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSwapChannels(t *testing.T) {
	src := Frame{Width: 2, Height: 1, Format: RGB24, Data: []byte{1, 2, 3, 4, 5, 6}}
	if got := convertOrFail(t, src, BGR24); !bytes.Equal(got, []byte{3, 2, 1, 6, 5, 4}) {
		t.Errorf("rgb24 -> bgr24: %v", got)
	}
	src = Frame{Width: 1, Height: 1, Format: RGBA, Data: []byte{1, 2, 3, 4}}
	if got := convertOrFail(t, src, BGRA); !bytes.Equal(got, []byte{3, 2, 1, 4}) {
		t.Errorf("rgba -> bgra: %v", got)
	}
}

func TestPassthroughDropsPadding(t *testing.T) {
	src := Frame{Width: 1, Height: 2, Format: RGB24, Stride: 4, Data: []byte{1, 2, 3, 0, 4, 5, 6, 0}}
	c, err := NewConverter(RGB24, RGB24)
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != Passthrough {
		t.Fatalf("kind %v", c.Kind)
	}
	if got := convertOrFail(t, src, RGB24); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("got %v", got)
	}
}

func TestI420GrayRoundTrip(t *testing.T) {
	w, h := 4, 2
	rgb := bytes.Repeat([]byte{128}, w*h*3)
	i420 := convertOrFail(t, Frame{Width: w, Height: h, Format: RGB24, Data: rgb}, I420)
	if len(i420) != FrameSize(I420, w, h) {
		t.Fatalf("i420 payload %d bytes", len(i420))
	}
	for i, b := range i420 {
		if b != 128 {
			t.Fatalf("i420[%d] = %d, want 128", i, b)
		}
	}
	back := convertOrFail(t, Frame{Width: w, Height: h, Format: I420, Data: i420}, RGB24)
	if !bytes.Equal(back, rgb) {
		t.Fatalf("round trip mismatch: %v", back)
	}
}

func TestI420ColourRoundTrip(t *testing.T) {
	w, h := 2, 2
	rgb := bytes.Repeat([]byte{255, 0, 0}, w*h)
	i420 := convertOrFail(t, Frame{Width: w, Height: h, Format: RGB24, Data: rgb}, I420)
	back := convertOrFail(t, Frame{Width: w, Height: h, Format: I420, Data: i420}, RGBA)
	for i := 0; i < w*h; i++ {
		p := back[i*4 : i*4+4]
		if !near(p[0], 255, 8) || !near(p[1], 0, 8) || !near(p[2], 0, 8) || p[3] != 255 {
			t.Fatalf("pixel %d = %v, want about (255,0,0,255)", i, p)
		}
	}
}

func TestRGBToGray(t *testing.T) {
	src := Frame{Width: 2, Height: 1, Format: BGR24, Data: []byte{0, 0, 0, 255, 255, 255}}
	if got := convertOrFail(t, src, GRAY8); !bytes.Equal(got, []byte{0, 255}) {
		t.Fatalf("got %v", got)
	}
}

func encodeJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestMJPEGDecode(t *testing.T) {
	w, h := 16, 16
	data := encodeJPEG(t, w, h, color.RGBA{R: 100, G: 150, B: 200, A: 255})
	src := Frame{Width: w, Height: h, Format: MJPEG, Data: data}

	rgb := convertOrFail(t, src, RGB24)
	for i := 0; i < w*h; i++ {
		p := rgb[i*3 : i*3+3]
		if !near(p[0], 100, 4) || !near(p[1], 150, 4) || !near(p[2], 200, 4) {
			t.Fatalf("pixel %d = %v, want about (100,150,200)", i, p)
		}
	}

	i420 := convertOrFail(t, src, I420)
	if len(i420) != FrameSize(I420, w, h) {
		t.Fatalf("i420 payload %d bytes", len(i420))
	}
	gray := convertOrFail(t, src, GRAY8)
	if len(gray) != w*h {
		t.Fatalf("gray payload %d bytes", len(gray))
	}
}

func TestMJPEGErrors(t *testing.T) {
	good := encodeJPEG(t, 8, 8, color.White)
	tests := []struct {
		name string
		src  Frame
		dst  int
	}{
		{"empty", Frame{Width: 8, Height: 8, Format: MJPEG}, 8 * 8 * 3},
		{"malformed", Frame{Width: 8, Height: 8, Format: MJPEG, Data: []byte{0xff, 0xd8, 0xff, 0x00, 0x01}}, 8 * 8 * 3},
		{"truncated", Frame{Width: 8, Height: 8, Format: MJPEG, Data: good[:len(good)/2]}, 8 * 8 * 3},
		{"wrong size", Frame{Width: 16, Height: 8, Format: MJPEG, Data: good}, 16 * 8 * 3},
		{"undersized destination", Frame{Width: 8, Height: 8, Format: MJPEG, Data: good}, 8*8*3 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewConverter(MJPEG, RGB24)
			if err != nil {
				t.Fatal(err)
			}
			err = c.Convert(make([]byte, tt.dst), tt.src)
			if !errors.Is(err, ErrConversion) {
				t.Fatalf("got %v, want ErrConversion", err)
			}
		})
	}
}

func TestDestinationSizeMustBeExact(t *testing.T) {
	w, h := 640, 480
	src := make([]byte, FrameSize(RGB24, w, h))
	for _, n := range []int{921599, 921601} {
		err := Convert(src, RGB24, w, h, make([]byte, n), RGB24)
		if !errors.Is(err, ErrConversion) {
			t.Errorf("dst %d bytes: got %v, want ErrConversion", n, err)
		}
	}
	if err := Convert(src, RGB24, w, h, make([]byte, 921600), RGB24); err != nil {
		t.Errorf("exact size: %v", err)
	}
}

func TestShortSource(t *testing.T) {
	err := Convert(make([]byte, 7), YUYV, 2, 2, make([]byte, 12), RGB24)
	if !errors.Is(err, ErrConversion) {
		t.Fatalf("got %v, want ErrConversion", err)
	}
}

func TestOddDimensionsFor420(t *testing.T) {
	err := Convert(make([]byte, 3*3*3), RGB24, 3, 3, make([]byte, FrameSize(I420, 3, 3)), I420)
	if !errors.Is(err, ErrConversion) {
		t.Fatalf("got %v, want ErrConversion", err)
	}
}

func TestConverterSelection(t *testing.T) {
	tests := []struct {
		src, dst Format
		want     Kind
	}{
		{RGB24, RGB24, Passthrough},
		{I420, I420, Passthrough},
		{RGB24, BGR24, Swap},
		{BGRA, RGBA, Swap},
		{YUYV, RGB24, SubsampledToRGB},
		{YUYV, I420, SubsampledToRGB},
		{MJPEG, BGR24, CompressedDecode},
		{I420, BGRA, PlanarExpand},
		{BGR24, I420, PlanarPack},
		{RGB24, RGBA, Repack},
	}
	for _, tt := range tests {
		c, err := NewConverter(tt.src, tt.dst)
		if err != nil {
			t.Errorf("%v -> %v: %v", tt.src, tt.dst, err)
			continue
		}
		if c.Kind != tt.want {
			t.Errorf("%v -> %v: kind %v, want %v", tt.src, tt.dst, c.Kind, tt.want)
		}
	}

	for _, p := range [][2]Format{{I420, YUYV}, {RGB24, MJPEG}, {MJPEG, MJPEG}, {RGB24, YUYV}} {
		if _, err := NewConverter(p[0], p[1]); !errors.Is(err, ErrUnsupportedConversion) {
			t.Errorf("%v -> %v: got %v, want ErrUnsupportedConversion", p[0], p[1], err)
		}
	}
}
