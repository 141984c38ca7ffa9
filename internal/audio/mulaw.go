package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw compresses one linear PCM16 sample into a G.711 mu-law byte.
func EncodeMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// s is in [0x84, 0x7fff]: the most significant bit sits between bit 7 and bit 14.
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulaw expands a G.711 mu-law byte into a linear PCM16 sample.
//
// 0x7F (negative zero) and 0xFF both decode to 0, so EncodeMulaw(DecodeMulaw(0x7F))
// returns 0xFF. Every other byte survives the round trip.
func DecodeMulaw(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	magnitude := ((mantissa<<3)+mulawBias)<<exponent - mulawBias
	if b&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
