package pixel

// convertYUYV expands packed 4:2:2. Each Y0 U Y1 V quad yields two pixels
// that share the chroma pair.
func convertYUYV(dst []byte, to Format, src Frame) error {
	if to == I420 {
		return yuyvToI420(dst, src)
	}
	outBpp := to.PackedBytes()
	for y := 0; y < src.Height; y++ {
		in := src.Row(y)
		out := dst[y*src.Width*outBpp : (y+1)*src.Width*outBpp]
		for x := 0; x+1 < src.Width; x += 2 {
			q := in[x*2 : x*2+4]
			y0, u, y1, v := q[0], q[1], q[2], q[3]
			if to == GRAY8 {
				out[x], out[x+1] = y0, y1
				continue
			}
			r, g, b := yuvToRGB(y0, u, v)
			writeRGB(out[x*outBpp:], to, r, g, b)
			r, g, b = yuvToRGB(y1, u, v)
			writeRGB(out[(x+1)*outBpp:], to, r, g, b)
		}
		if src.Width%2 == 1 {
			// The last pixel of an odd row has a Y but only half a quad.
			x := src.Width - 1
			y0 := in[x*2]
			if to == GRAY8 {
				out[x] = y0
			} else {
				r, g, b := yuvToRGB(y0, in[x*2+1], 128)
				writeRGB(out[x*outBpp:], to, r, g, b)
			}
		}
	}
	return nil
}

// yuyvToI420 keeps luma and averages chroma over each pair of rows.
func yuyvToI420(dst []byte, src Frame) error {
	yp, up, vp, err := Planes(dst, src.Width, src.Height)
	if err != nil {
		return err
	}
	for y := 0; y < src.Height; y += 2 {
		in0, in1 := src.Row(y), src.Row(y+1)
		out0, out1 := yp.Row(y), yp.Row(y+1)
		ur, vr := up.Row(y/2), vp.Row(y/2)
		for x := 0; x < src.Width; x += 2 {
			q0 := in0[x*2 : x*2+4]
			q1 := in1[x*2 : x*2+4]
			out0[x], out0[x+1] = q0[0], q0[2]
			out1[x], out1[x+1] = q1[0], q1[2]
			ur[x/2] = byte((int(q0[1]) + int(q1[1]) + 1) / 2)
			vr[x/2] = byte((int(q0[3]) + int(q1[3]) + 1) / 2)
		}
	}
	return nil
}
