// ABOUTME: Simple linear resampler for converting audio sample rates
// ABOUTME: Used at asset-load time to bring decoded sounds to the engine rate
package resample

import "github.com/Cadenza-Audio/cadenza-go/pkg/audio"

// ToRate converts a decoded buffer to the target sample rate using linear
// interpolation. Buffers already at the target rate are returned unchanged.
func ToRate(in *audio.PCM, rate int) *audio.PCM {
	if in.Format.SampleRate == rate || in.Format.SampleRate <= 0 || rate <= 0 {
		return in
	}

	ch := in.Format.Channels
	inFrames := in.Frames()
	if ch <= 0 || inFrames == 0 {
		return &audio.PCM{Format: audio.Format{SampleRate: rate, Channels: ch}}
	}

	ratio := float64(in.Format.SampleRate) / float64(rate)
	outFrames := int(float64(inFrames) / ratio)
	out := make([]int16, outFrames*ch)

	pos := 0.0
	for f := 0; f < outFrames; f++ {
		idx := int(pos)
		frac := pos - float64(idx)

		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}

		for c := 0; c < ch; c++ {
			a := float64(in.Samples[idx*ch+c])
			b := float64(in.Samples[next*ch+c])
			out[f*ch+c] = int16(a + (b-a)*frac)
		}

		pos += ratio
	}

	return &audio.PCM{
		Format:  audio.Format{SampleRate: rate, Channels: ch},
		Samples: out,
	}
}

// ToStereo duplicates mono samples across two channels. Buffers that are
// already stereo are returned unchanged.
func ToStereo(in *audio.PCM) *audio.PCM {
	if in.Format.Channels != 1 {
		return in
	}

	out := make([]int16, len(in.Samples)*2)
	for i, s := range in.Samples {
		out[i*2] = s
		out[i*2+1] = s
	}

	return &audio.PCM{
		Format:  audio.Format{SampleRate: in.Format.SampleRate, Channels: 2},
		Samples: out,
	}
}
