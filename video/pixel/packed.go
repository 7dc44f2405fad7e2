package pixel

// copyFrame copies src into dst unchanged, dropping any row padding.
func copyFrame(dst []byte, src Frame) error {
	if src.Format.Planar() {
		copy(dst, src.Data[:len(dst)])
		return nil
	}
	rowBytes := src.Width * src.Format.PackedBytes()
	if src.RowStride() == rowBytes {
		copy(dst, src.Data[:len(dst)])
		return nil
	}
	for y := 0; y < src.Height; y++ {
		copy(dst[y*rowBytes:(y+1)*rowBytes], src.Row(y))
	}
	return nil
}

// swapChannels exchanges channel 0 and 2 of every pixel (RGB <-> BGR).
func swapChannels(dst []byte, src Frame) error {
	bpp := src.Format.PackedBytes()
	rowBytes := src.Width * bpp
	for y := 0; y < src.Height; y++ {
		in := src.Row(y)
		out := dst[y*rowBytes : (y+1)*rowBytes]
		for i := 0; i+bpp <= len(in); i += bpp {
			out[i] = in[i+2]
			out[i+1] = in[i+1]
			out[i+2] = in[i]
			if bpp == 4 {
				out[i+3] = in[i+3]
			}
		}
	}
	return nil
}

// repack moves pixels between members of the RGB family (and from GRAY8),
// for example RGB24 to BGRA.
func repack(dst []byte, to Format, src Frame) error {
	inBpp := src.Format.PackedBytes()
	outBpp := to.PackedBytes()
	for y := 0; y < src.Height; y++ {
		in := src.Row(y)
		out := dst[y*src.Width*outBpp : (y+1)*src.Width*outBpp]
		for x := 0; x < src.Width; x++ {
			r, g, b := readRGB(in[x*inBpp:], src.Format)
			writeRGB(out[x*outBpp:], to, r, g, b)
		}
	}
	return nil
}

// packPlanar converts an RGB family frame into GRAY8 or I420. I420 chroma is
// computed from the average colour of each 2x2 block.
func packPlanar(dst []byte, to Format, src Frame) error {
	bpp := src.Format.PackedBytes()
	if to == GRAY8 {
		for y := 0; y < src.Height; y++ {
			in := src.Row(y)
			out := dst[y*src.Width : (y+1)*src.Width]
			for x := range out {
				r, g, b := readRGB(in[x*bpp:], src.Format)
				out[x] = rgbToY(r, g, b)
			}
		}
		return nil
	}

	yp, up, vp, err := Planes(dst, src.Width, src.Height)
	if err != nil {
		return err
	}
	for y := 0; y < src.Height; y += 2 {
		in0, in1 := src.Row(y), src.Row(y+1)
		out0, out1 := yp.Row(y), yp.Row(y+1)
		ur, vr := up.Row(y/2), vp.Row(y/2)
		for x := 0; x < src.Width; x += 2 {
			var sr, sg, sb int32
			for _, px := range [4]struct {
				in  []byte
				out []byte
				x   int
			}{{in0, out0, x}, {in0, out0, x + 1}, {in1, out1, x}, {in1, out1, x + 1}} {
				r, g, b := readRGB(px.in[px.x*bpp:], src.Format)
				px.out[px.x] = rgbToY(r, g, b)
				sr += int32(r)
				sg += int32(g)
				sb += int32(b)
			}
			ur[x/2], vr[x/2] = rgbToUV((sr+2)/4, (sg+2)/4, (sb+2)/4)
		}
	}
	return nil
}
