package pixel

import (
	"fmt"
	"strings"
)

// Format tags the byte layout of a frame.
type Format int

const (
	FormatUnknown Format = iota
	// YUYV is packed 4:2:2, two pixels per Y0 U Y1 V quad.
	YUYV
	// MJPEG is a variable-length compressed frame.
	MJPEG
	RGB24
	BGR24
	RGBA
	// BGRA matches the memory order libyuv calls "ARGB".
	BGRA
	// I420 is planar 4:2:0: a full Y plane followed by quarter size U and V planes.
	I420
	GRAY8
)

var formatNames = map[Format]string{
	YUYV:  "yuyv422",
	MJPEG: "mjpeg",
	RGB24: "rgb24",
	BGR24: "bgr24",
	RGBA:  "rgba",
	BGRA:  "bgra",
	I420:  "i420",
	GRAY8: "gray8",
}

var formatAliases = map[string]Format{
	"yuyv":         YUYV,
	"yuy2":         YUYV,
	"4:2:2 packed": YUYV,
	"jpeg":         MJPEG,
	"rgb":          RGB24,
	"bgr":          BGR24,
	"argb":         BGRA,
	"yuv420":       I420,
	"4:2:0 planar": I420,
	"gray":         GRAY8,
	"grey":         GRAY8,
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts the canonical names printed by String and a few
// common aliases, case-insensitively.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, n := range formatNames {
		if n == s {
			return f, nil
		}
	}
	if f, ok := formatAliases[s]; ok {
		return f, nil
	}
	return FormatUnknown, fmt.Errorf("unknown pixel format %q", s)
}

// MarshalText lets formats appear by name in JSON configuration and status.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Planar reports whether the format is stored as separate planes.
func (f Format) Planar() bool {
	return f == I420
}

// Subsampled420 reports whether the format needs even dimensions.
func (f Format) Subsampled420() bool {
	return f == I420
}

// Compressed reports whether frames of this format have no fixed size.
func (f Format) Compressed() bool {
	return f == MJPEG
}

// PackedBytes returns the bytes per pixel of a packed format, or 0 for
// planar and compressed formats.
func (f Format) PackedBytes() int {
	switch f {
	case GRAY8:
		return 1
	case YUYV:
		return 2
	case RGB24, BGR24:
		return 3
	case RGBA, BGRA:
		return 4
	}
	return 0
}

// BytesPerPixel is the average storage cost of one pixel; 1.5 for I420.
func (f Format) BytesPerPixel() float64 {
	if f == I420 {
		return 1.5
	}
	return float64(f.PackedBytes())
}

// FrameSize returns the exact byte size of a width x height frame, or 0 when
// the format has no fixed size.
func FrameSize(f Format, width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	if f == I420 {
		cw, ch := width/2, height/2
		return width*height + 2*cw*ch
	}
	return width * height * f.PackedBytes()
}

// FormatForBPP maps the bits-per-pixel configuration knob onto an output format.
func FormatForBPP(bpp int) (Format, error) {
	switch bpp {
	case 8:
		return GRAY8, nil
	case 24:
		return RGB24, nil
	}
	return FormatUnknown, fmt.Errorf("bits per pixel must be either 8 or 24; found %d", bpp)
}
