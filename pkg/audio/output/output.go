// ABOUTME: Audio output interface definition
// ABOUTME: Common interface for audio playback devices
package output

import "github.com/Cadenza-Audio/cadenza-go/pkg/audio"

// Output represents an audio output device fed with interleaved 16-bit
// samples. Write blocks until the device has accepted the buffer.
type Output interface {
	Open(format audio.Format) error
	Write(samples []int16) error
	Close() error
}

// New returns an output by backend name. Known names: "oto", "malgo".
func New(name string) Output {
	if name == "malgo" {
		return NewMalgo()
	}
	return NewOto()
}
