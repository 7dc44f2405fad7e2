package pixel

// expandI420 turns planar 4:2:0 into a packed format. Every chroma sample
// covers a 2x2 block of luma samples.
func expandI420(dst []byte, to Format, src Frame) error {
	yp, up, vp, err := Planes(src.Data, src.Width, src.Height)
	if err != nil {
		return err
	}
	outBpp := to.PackedBytes()
	rowBytes := src.Width * outBpp
	for y := 0; y < src.Height; y++ {
		lr := yp.Row(y)
		out := dst[y*rowBytes : (y+1)*rowBytes]
		if to == GRAY8 {
			copy(out, lr)
			continue
		}
		ur, vr := up.Row(y/2), vp.Row(y/2)
		for x := 0; x < src.Width; x++ {
			r, g, b := yuvToRGB(lr[x], ur[x/2], vr[x/2])
			writeRGB(out[x*outBpp:], to, r, g, b)
		}
	}
	return nil
}
