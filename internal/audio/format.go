// Package audio converts relay audio between linear PCM16 and G.711 mu-law.
//
// Sample-rate conversion is nearest-neighbour: output sample i copies input sample
// floor(i*from/to). There is no anti-aliasing or interpolation filter, so downsampling
// folds energy above the new Nyquist frequency back into the band. The relay depends on
// this exact index mapping; swapping in a filtered resampler changes frame contents.
//
// Lengths floor too: n samples become floor(n*to/from). Converting from->to->from
// therefore never grows a buffer and shrinks it by at most ceil((from-g)/to) samples,
// g = gcd(from, to). For the telephony leg (24000->8000->24000) that is 2 samples,
// lost when n is not a multiple of 3; 20 ms frames lose nothing.
package audio

import (
	"errors"
	"fmt"
)

// ErrCodec marks malformed audio payloads or unsupported conversions.
var ErrCodec = errors.New("codec error")

type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
)

// Format tags an audio payload with its encoding and sample rate.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

var (
	// BackendFormat is what the speech backend sends and expects.
	BackendFormat = Format{Encoding: EncodingPCM16, SampleRate: 24000}
	// BrowserFormat is the browser widget's capture and playback format.
	BrowserFormat = Format{Encoding: EncodingPCM16, SampleRate: 24000}
	// TelephonyFormat is the Twilio media stream format.
	TelephonyFormat = Format{Encoding: EncodingMulaw, SampleRate: 8000}
)

func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrCodec, f.SampleRate)
	}
	switch f.Encoding {
	case EncodingPCM16, EncodingMulaw:
		return nil
	default:
		return fmt.Errorf("%w: unknown encoding %q", ErrCodec, f.Encoding)
	}
}

// Convert transcodes payload from one format to another. Equal formats return the
// payload unchanged (after PCM alignment validation).
func Convert(payload []byte, from, to Format) ([]byte, error) {
	if err := from.validate(); err != nil {
		return nil, err
	}
	if err := to.validate(); err != nil {
		return nil, err
	}

	switch {
	case from.Encoding == EncodingPCM16 && to.Encoding == EncodingPCM16:
		if from.SampleRate == to.SampleRate {
			if len(payload)%2 != 0 {
				return nil, fmt.Errorf("%w: odd pcm16 length %d", ErrCodec, len(payload))
			}
			return payload, nil
		}
		return Resample(payload, from.SampleRate, to.SampleRate)
	case from.Encoding == EncodingPCM16 && to.Encoding == EncodingMulaw:
		return PCMToMulaw(payload, from.SampleRate, to.SampleRate)
	case from.Encoding == EncodingMulaw && to.Encoding == EncodingPCM16:
		return MulawToPCM(payload, from.SampleRate, to.SampleRate)
	default:
		if from.SampleRate == to.SampleRate {
			return payload, nil
		}
		out := make([]byte, resampledLen(len(payload), from.SampleRate, to.SampleRate))
		for i := range out {
			out[i] = payload[sourceIndex(i, len(payload), from.SampleRate, to.SampleRate)]
		}
		return out, nil
	}
}
