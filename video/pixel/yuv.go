package pixel

// Fixed point (16.16) coefficients for YUV -> RGB:
//
//	R = Y + 1.370705 (V-128)
//	G = Y - 0.698001 (V-128) - 0.337633 (U-128)
//	B = Y + 1.732446 (U-128)
const (
	kRV = 89831
	kGV = 45744
	kGU = 22127
	kBU = 113538
)

// Fixed point (16.16) coefficients for full range BT.601 RGB -> YUV.
const (
	kYR = 19595
	kYG = 38470
	kYB = 7471

	kUR = -11059
	kUG = -21709
	kUB = 32768

	kVR = 32768
	kVG = -27439
	kVB = -5329
)

func clamp(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// yuvToRGB converts one sample. The arithmetic shift floors each chroma
// term, so Y plus the term equals the truncated real result whenever that
// result is not negative; the sum is then saturated to [0,255].
func yuvToRGB(y, u, v byte) (r, g, b byte) {
	yy := int32(y)
	cu := int32(u) - 128
	cv := int32(v) - 128
	r = clamp(yy + (kRV*cv)>>16)
	g = clamp(yy + (-kGV*cv-kGU*cu)>>16)
	b = clamp(yy + (kBU*cu)>>16)
	return
}

func rgbToY(r, g, b byte) byte {
	return clamp((kYR*int32(r) + kYG*int32(g) + kYB*int32(b)) >> 16)
}

func rgbToUV(r, g, b int32) (u, v byte) {
	u = clamp(((kUR*r + kUG*g + kUB*b) >> 16) + 128)
	v = clamp(((kVR*r + kVG*g + kVB*b) >> 16) + 128)
	return
}

// RGBToYUV converts one full range BT.601 sample.
func RGBToYUV(r, g, b byte) (y, u, v byte) {
	y = rgbToY(r, g, b)
	u, v = rgbToUV(int32(r), int32(g), int32(b))
	return
}

// writeRGB stores one pixel at p in the byte order of a packed RGB family
// format. Alpha is always opaque.
func writeRGB(p []byte, f Format, r, g, b byte) {
	switch f {
	case RGB24:
		p[0], p[1], p[2] = r, g, b
	case BGR24:
		p[0], p[1], p[2] = b, g, r
	case RGBA:
		p[0], p[1], p[2], p[3] = r, g, b, 0xff
	case BGRA:
		p[0], p[1], p[2], p[3] = b, g, r, 0xff
	case GRAY8:
		p[0] = rgbToY(r, g, b)
	}
}

// readRGB loads one pixel from a packed RGB family format.
func readRGB(p []byte, f Format) (r, g, b byte) {
	switch f {
	case RGB24, RGBA:
		return p[0], p[1], p[2]
	case BGR24, BGRA:
		return p[2], p[1], p[0]
	case GRAY8:
		return p[0], p[0], p[0]
	}
	return 0, 0, 0
}

func isRGBFamily(f Format) bool {
	switch f {
	case RGB24, BGR24, RGBA, BGRA:
		return true
	}
	return false
}
