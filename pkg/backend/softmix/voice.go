// ABOUTME: Single mixer voice with gain ramping, pitch and spatialization
// ABOUTME: Streamed voices pull from a decode buffer refilled between mixes
package softmix

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/decode"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/resample"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

const (
	// gainRampSeconds bounds how fast a gain change is applied, to avoid
	// zipper noise on volume and fade updates.
	gainRampSeconds = 0.01

	// streamTargetFrames keeps roughly half a second decoded ahead.
	streamTargetFrames = 24000

	streamChunkSamples = 8192

	// Distance attenuation reference, in world units.
	refDistance = 1.0
	rolloff     = 0.5
)

type voice struct {
	id     int
	format audio.Format

	mu      sync.Mutex
	playing bool
	looping bool

	gain     float64
	curGain  float64
	rampStep float64

	pitch float64
	pos   float64

	positional bool
	position   audio.Vector3

	pcm *audio.PCM

	snd       *assets.Sound
	stream    decode.SampleReader
	streamFmt audio.Format
	buf       []int16
	streamEOF bool
}

func (v *voice) ID() int { return v.id }

// bind points the voice at a sound and starts playback.
func (v *voice) bind(snd *assets.Sound, params sndserver.VoiceParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.closeStreamLocked()
	v.pcm = nil
	v.snd = snd
	v.buf = v.buf[:0]
	v.streamEOF = false
	v.pos = 0

	if snd.Streaming() {
		stream, err := snd.NewStream()
		if err != nil {
			return fmt.Errorf("softmix: open stream for %q: %w", snd.Name(), err)
		}
		v.stream = stream
		v.streamFmt = stream.Format()
		v.fillStreamLocked()
	} else {
		pcm := snd.PCM()
		if pcm == nil {
			return errors.New("softmix: sound has no sample data")
		}
		if pcm.Format != v.format {
			return fmt.Errorf("softmix: sound %q format %+v does not match engine format %+v",
				snd.Name(), pcm.Format, v.format)
		}
		v.pcm = pcm
	}

	v.gain = params.Gain
	v.curGain = params.Gain
	v.rampStep = 1 / (gainRampSeconds * float64(v.format.SampleRate))
	v.pitch = params.Pitch
	if v.pitch <= 0 {
		v.pitch = 1
	}
	v.looping = params.Looping
	v.positional = params.Positional
	v.position = params.Position
	v.playing = true
	return nil
}

func (v *voice) stop() {
	v.mu.Lock()
	v.playing = false
	v.closeStreamLocked()
	v.pcm = nil
	v.snd = nil
	v.mu.Unlock()
}

func (v *voice) setGain(gain float64) {
	v.mu.Lock()
	v.gain = gain
	v.mu.Unlock()
}

func (v *voice) setPitch(pitch float64) {
	if pitch <= 0 {
		return
	}
	v.mu.Lock()
	v.pitch = pitch
	v.mu.Unlock()
}

func (v *voice) setPositional(positional bool) {
	v.mu.Lock()
	v.positional = positional
	v.mu.Unlock()
}

func (v *voice) setPosition(pos audio.Vector3) {
	v.mu.Lock()
	v.position = pos
	v.mu.Unlock()
}

func (v *voice) setLooping(looping bool) {
	v.mu.Lock()
	v.looping = looping
	v.mu.Unlock()
}

func (v *voice) isPlaying() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

// streamUpdate refills the decode-ahead buffer. Runs on the audio loop, so
// disk reads here never stall the mix goroutine.
func (v *voice) streamUpdate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.playing || v.stream == nil {
		return
	}
	v.fillStreamLocked()
}

func (v *voice) fillStreamLocked() {
	target := streamTargetFrames * v.format.Channels
	chunk := make([]int16, streamChunkSamples)

	for len(v.buf) < target && !v.streamEOF {
		n, err := v.stream.ReadSamples(chunk)
		if n > 0 {
			src := &audio.PCM{Format: v.streamFmt, Samples: append([]int16(nil), chunk[:n]...)}
			converted := resample.ToRate(resample.ToStereo(src), v.format.SampleRate)
			v.buf = append(v.buf, converted.Samples...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("softmix: stream read for %q failed: %v", v.snd.Name(), err)
			}
			if v.looping && v.snd != nil {
				if v.rewindStreamLocked() {
					continue
				}
			}
			v.streamEOF = true
		}
	}
}

func (v *voice) rewindStreamLocked() bool {
	stream, err := v.snd.NewStream()
	if err != nil {
		log.Printf("softmix: stream rewind for %q failed: %v", v.snd.Name(), err)
		return false
	}
	v.stream.Close()
	v.stream = stream
	v.streamFmt = stream.Format()
	return true
}

func (v *voice) closeStreamLocked() {
	if v.stream != nil {
		v.stream.Close()
		v.stream = nil
	}
	v.buf = nil
}

// mixInto adds this voice's next block into the accumulator. Called by the
// mix goroutine only.
func (v *voice) mixInto(dst []int32, frames int, listener listenerState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.playing {
		return
	}

	leftPan, rightPan := v.channelGainsLocked(listener)

	for i := 0; i < frames; i++ {
		l, r, ok := v.nextFrameLocked()
		if !ok {
			v.playing = false
			v.closeStreamLocked()
			return
		}

		if v.curGain < v.gain {
			v.curGain = math.Min(v.curGain+v.rampStep, v.gain)
		} else if v.curGain > v.gain {
			v.curGain = math.Max(v.curGain-v.rampStep, v.gain)
		}

		dst[i*2] += int32(float64(l) * v.curGain * leftPan)
		dst[i*2+1] += int32(float64(r) * v.curGain * rightPan)
	}
}

// channelGainsLocked computes constant-power pan and distance attenuation
// for positional voices. Non-positional voices play centered at unity.
func (v *voice) channelGainsLocked(listener listenerState) (float64, float64) {
	if !v.positional {
		return 1, 1
	}

	rel := v.position.Sub(listener.position)
	dist := rel.Length()
	atten := refDistance / (refDistance + rolloff*dist)

	pan := 0.0
	if dist > 0 {
		pan = rel.Normalized().Dot(listener.right)
	}
	theta := (pan + 1) * math.Pi / 4
	return atten * math.Cos(theta), atten * math.Sin(theta)
}

func (v *voice) nextFrameLocked() (int16, int16, bool) {
	if v.stream != nil {
		if len(v.buf) < v.format.Channels {
			if v.streamEOF {
				return 0, 0, false
			}
			// Underrun; emit silence until the next stream update.
			return 0, 0, true
		}
		l, r := v.buf[0], v.buf[1]
		v.buf = v.buf[v.format.Channels:]
		return l, r, true
	}

	if v.pcm == nil {
		return 0, 0, false
	}
	total := v.pcm.Frames()
	idx := int(v.pos)
	if idx >= total {
		if !v.looping || total == 0 {
			return 0, 0, false
		}
		v.pos -= float64(total)
		idx = int(v.pos)
		if idx >= total {
			idx = 0
			v.pos = 0
		}
	}
	base := idx * 2
	l, r := v.pcm.Samples[base], v.pcm.Samples[base+1]
	v.pos += v.pitch
	return l, r, true
}
