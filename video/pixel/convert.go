package pixel

import (
	"errors"
	"fmt"
)

var (
	// ErrConversion marks a frame that could not be converted: malformed
	// compressed input or a source or destination of the wrong size. The
	// frame is dropped; the caller carries on with the next one.
	ErrConversion = errors.New("conversion error")

	// ErrUnsupportedConversion is returned when no strategy maps the source
	// format onto the destination format.
	ErrUnsupportedConversion = errors.New("unsupported conversion")
)

// Kind is the strategy a Converter uses.
type Kind int

const (
	Passthrough Kind = iota
	Swap
	SubsampledToRGB
	CompressedDecode
	PlanarExpand
	PlanarPack
	Repack
)

var kindNames = [...]string{
	Passthrough:      "passthrough",
	Swap:             "swap",
	SubsampledToRGB:  "subsampled-to-rgb",
	CompressedDecode: "compressed-decode",
	PlanarExpand:     "planar-expand",
	PlanarPack:       "planar-pack",
	Repack:           "repack",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Converter maps frames of one format onto another. Converters hold no
// per-frame state and may be shared.
type Converter struct {
	Kind     Kind
	Src, Dst Format
}

// NewConverter picks the strategy for src -> dst.
func NewConverter(src, dst Format) (*Converter, error) {
	c := &Converter{Src: src, Dst: dst}
	switch {
	case dst == MJPEG || dst == FormatUnknown || src == FormatUnknown:
		return nil, fmt.Errorf("%w: %v -> %v", ErrUnsupportedConversion, src, dst)
	case src == dst:
		c.Kind = Passthrough
	case swapPair(src, dst):
		c.Kind = Swap
	case src == YUYV && (isRGBFamily(dst) || dst == GRAY8 || dst == I420):
		c.Kind = SubsampledToRGB
	case src == MJPEG && (isRGBFamily(dst) || dst == GRAY8 || dst == I420):
		c.Kind = CompressedDecode
	case src == I420 && (isRGBFamily(dst) || dst == GRAY8):
		c.Kind = PlanarExpand
	case (isRGBFamily(src) || src == GRAY8) && (dst == I420 || dst == GRAY8):
		c.Kind = PlanarPack
	case (isRGBFamily(src) || src == GRAY8) && isRGBFamily(dst):
		c.Kind = Repack
	default:
		return nil, fmt.Errorf("%w: %v -> %v", ErrUnsupportedConversion, src, dst)
	}
	return c, nil
}

func swapPair(a, b Format) bool {
	return (a == RGB24 && b == BGR24) || (a == BGR24 && b == RGB24) ||
		(a == RGBA && b == BGRA) || (a == BGRA && b == RGBA)
}

func (c *Converter) String() string {
	return fmt.Sprintf("%v -> %v (%v)", c.Src, c.Dst, c.Kind)
}

// Convert writes src into dst, which must be exactly
// FrameSize(c.Dst, src.Width, src.Height) bytes long.
func (c *Converter) Convert(dst []byte, src Frame) error {
	if src.Format != c.Src {
		return fmt.Errorf("%w: converter expects %v, frame is %v", ErrConversion, c.Src, src.Format)
	}
	if src.Width <= 0 || src.Height <= 0 {
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrConversion, src.Width, src.Height)
	}
	if want := FrameSize(c.Dst, src.Width, src.Height); len(dst) != want {
		return fmt.Errorf("%w: destination is %d bytes, %v %dx%d needs %d", ErrConversion, len(dst), c.Dst, src.Width, src.Height, want)
	}
	if c.Dst.Subsampled420() || c.Src.Subsampled420() {
		if src.Width%2 != 0 || src.Height%2 != 0 {
			return fmt.Errorf("%w: 4:2:0 needs even dimensions, got %dx%d", ErrConversion, src.Width, src.Height)
		}
	}
	if err := checkSource(src); err != nil {
		return err
	}

	switch c.Kind {
	case Passthrough:
		return copyFrame(dst, src)
	case Swap:
		return swapChannels(dst, src)
	case SubsampledToRGB:
		return convertYUYV(dst, c.Dst, src)
	case CompressedDecode:
		return decodeMJPEG(dst, c.Dst, src)
	case PlanarExpand:
		return expandI420(dst, c.Dst, src)
	case PlanarPack:
		return packPlanar(dst, c.Dst, src)
	case Repack:
		return repack(dst, c.Dst, src)
	}
	return fmt.Errorf("%w: %v", ErrUnsupportedConversion, c)
}

// checkSource verifies src holds a whole frame.
func checkSource(src Frame) error {
	switch {
	case src.Format.Compressed():
		if len(src.Data) == 0 {
			return fmt.Errorf("%w: empty %v frame", ErrConversion, src.Format)
		}
	case src.Format.Planar():
		if want := FrameSize(src.Format, src.Width, src.Height); len(src.Data) < want {
			return fmt.Errorf("%w: %v source is %d bytes, need %d", ErrConversion, src.Format, len(src.Data), want)
		}
	default:
		rowBytes := src.Width * src.Format.PackedBytes()
		stride := src.RowStride()
		if stride < rowBytes {
			return fmt.Errorf("%w: stride %d shorter than row of %d bytes", ErrConversion, stride, rowBytes)
		}
		if want := stride*(src.Height-1) + rowBytes; len(src.Data) < want {
			return fmt.Errorf("%w: %v source is %d bytes, need %d", ErrConversion, src.Format, len(src.Data), want)
		}
	}
	return nil
}

// Convert is the functional form of Converter.Convert for callers that do
// not keep a converter around.
func Convert(src []byte, srcFormat Format, width, height int, dst []byte, dstFormat Format) error {
	c, err := NewConverter(srcFormat, dstFormat)
	if err != nil {
		return err
	}
	return c.Convert(dst, Frame{Width: width, Height: height, Format: srcFormat, Data: src})
}
