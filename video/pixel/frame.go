package pixel

import (
	"fmt"
	"time"
)

// Frame is a view of one captured image. Data is only valid until the
// capture buffer it points into is released.
type Frame struct {
	Width, Height int
	Format        Format
	// Stride is the distance in bytes between rows of a packed format. Zero
	// means rows are tightly packed.
	Stride int
	Data   []byte
	Time   time.Time
}

// RowStride returns the effective stride of a packed frame.
func (f Frame) RowStride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * f.Format.PackedBytes()
}

// Row returns the bytes of row y without stride padding.
func (f Frame) Row(y int) []byte {
	s := f.RowStride()
	off := y * s
	return f.Data[off : off+f.Width*f.Format.PackedBytes()]
}

func (f Frame) String() string {
	return fmt.Sprintf("%dx%d %v (%d bytes)", f.Width, f.Height, f.Format, len(f.Data))
}

// Plane is a bounds-checked view of one image plane.
type Plane struct {
	Data   []byte
	Stride int
	Width  int
	Height int
}

// Row returns row y of the plane.
func (p Plane) Row(y int) []byte {
	return p.Data[y*p.Stride : y*p.Stride+p.Width]
}

// Planes splits an I420 buffer into its Y, U and V planes. The chroma planes
// have half the luma width as stride and half the luma height.
func Planes(buf []byte, width, height int) (y, u, v Plane, err error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return y, u, v, fmt.Errorf("%w: i420 needs positive even dimensions, got %dx%d", ErrConversion, width, height)
	}
	size := FrameSize(I420, width, height)
	if len(buf) < size {
		return y, u, v, fmt.Errorf("%w: i420 buffer of %d bytes, need %d", ErrConversion, len(buf), size)
	}
	lumaSize := width * height
	cw, ch := width/2, height/2
	chromaSize := cw * ch

	y = Plane{Data: buf[:lumaSize:lumaSize], Stride: width, Width: width, Height: height}
	u = Plane{Data: buf[lumaSize : lumaSize+chromaSize : lumaSize+chromaSize], Stride: cw, Width: cw, Height: ch}
	v = Plane{Data: buf[lumaSize+chromaSize : size : size], Stride: cw, Width: cw, Height: ch}
	return y, u, v, nil
}
