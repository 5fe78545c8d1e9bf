package audio

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. When downsampling, a small moving-average low-pass filter is
// applied first so that energy above the destination Nyquist frequency does
// not alias into the result. If srcRate == dstRate the input is returned
// unchanged.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return in
	}
	if srcRate == dstRate || len(in) < 2 {
		return in
	}

	src := in
	if dstRate < srcRate {
		src = lowPass(in, srcRate, dstRate)
	}

	srcSamples := len(src)
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := src[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = src[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// lowPass applies a centred moving-average filter sized to the decimation
// ratio. A box filter is a crude anti-alias stage but adequate for speech
// content that the model low-passes internally anyway.
func lowPass(in []float32, srcRate, dstRate int) []float32 {
	width := srcRate / dstRate
	if width < 2 {
		return in
	}
	half := width / 2

	out := make([]float32, len(in))
	for i := range in {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi >= len(in) {
			hi = len(in) - 1
		}
		var sum float32
		for j := lo; j <= hi; j++ {
			sum += in[j]
		}
		out[i] = sum / float32(hi-lo+1)
	}
	return out
}
