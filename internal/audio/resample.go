package audio

import (
	"encoding/binary"
	"fmt"
)

// PCMToMulaw converts PCM16LE audio at fromRate to mu-law at toRate.
func PCMToMulaw(pcm []byte, fromRate, toRate int) ([]byte, error) {
	n, err := pcmSampleCount(pcm, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	out := make([]byte, resampledLen(n, fromRate, toRate))
	for i := range out {
		src := sourceIndex(i, n, fromRate, toRate)
		out[i] = EncodeMulaw(int16(binary.LittleEndian.Uint16(pcm[src*2:])))
	}
	return out, nil
}

// MulawToPCM converts mu-law audio at fromRate to PCM16LE at toRate.
func MulawToPCM(ulaw []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d->%d", ErrCodec, fromRate, toRate)
	}
	n := len(ulaw)
	outLen := resampledLen(n, fromRate, toRate)
	out := make([]byte, outLen*2)
	for i := 0; i < outLen; i++ {
		src := sourceIndex(i, n, fromRate, toRate)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeMulaw(ulaw[src])))
	}
	return out, nil
}

// Resample converts PCM16LE audio between sample rates without changing encoding.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	n, err := pcmSampleCount(pcm, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	outLen := resampledLen(n, fromRate, toRate)
	out := make([]byte, outLen*2)
	for i := 0; i < outLen; i++ {
		src := sourceIndex(i, n, fromRate, toRate)
		copy(out[i*2:i*2+2], pcm[src*2:src*2+2])
	}
	return out, nil
}

func pcmSampleCount(pcm []byte, fromRate, toRate int) (int, error) {
	if fromRate <= 0 || toRate <= 0 {
		return 0, fmt.Errorf("%w: invalid rates %d->%d", ErrCodec, fromRate, toRate)
	}
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("%w: odd pcm16 length %d", ErrCodec, len(pcm))
	}
	return len(pcm) / 2, nil
}

// resampledLen is floor(n * toRate / fromRate).
func resampledLen(n, fromRate, toRate int) int {
	return int(int64(n) * int64(toRate) / int64(fromRate))
}

// sourceIndex is floor(i * fromRate / toRate), clamped to the last input sample.
func sourceIndex(i, n, fromRate, toRate int) int {
	src := int(int64(i) * int64(fromRate) / int64(toRate))
	if src > n-1 {
		src = n - 1
	}
	return src
}
