// ABOUTME: FLAC sound file reader
// ABOUTME: Decodes FLAC frames to interleaved 16-bit samples
package decode

import (
	"fmt"
	"io"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/mewkiz/flac"
)

// flacReader decodes a FLAC file frame by frame.
type flacReader struct {
	stream  *flac.Stream
	shift   uint // right-shift to reduce >16-bit sources to 16-bit
	pending []int16
	eof     bool
}

func openFLAC(path string) (SampleReader, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parse flac %s: %w", path, err)
	}

	var shift uint
	if stream.Info.BitsPerSample > 16 {
		shift = uint(stream.Info.BitsPerSample - 16)
	}

	return &flacReader{stream: stream, shift: shift}, nil
}

func (r *flacReader) Format() audio.Format {
	return audio.Format{
		SampleRate: int(r.stream.Info.SampleRate),
		Channels:   int(r.stream.Info.NChannels),
	}
}

func (r *flacReader) ReadSamples(dst []int16) (int, error) {
	for len(r.pending) == 0 && !r.eof {
		frame, err := r.stream.ParseNext()
		if err == io.EOF {
			r.eof = true
			break
		}
		if err != nil {
			return 0, fmt.Errorf("flac frame: %w", err)
		}

		ch := len(frame.Subframes)
		blockSize := int(frame.Header.BlockSize)
		r.pending = make([]int16, 0, blockSize*ch)
		for i := 0; i < blockSize; i++ {
			for c := 0; c < ch; c++ {
				r.pending = append(r.pending, int16(frame.Subframes[c].Samples[i]>>r.shift))
			}
		}
	}

	n := copy(dst, r.pending)
	r.pending = r.pending[n:]

	if len(r.pending) == 0 && r.eof {
		return n, io.EOF
	}
	return n, nil
}

func (r *flacReader) Close() error {
	return r.stream.Close()
}
