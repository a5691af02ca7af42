// ABOUTME: Software mixing backend over a raw PCM output device
// ABOUTME: Sums a fixed voice table into 20ms frames on its own goroutine
package softmix

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/output"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

const (
	// mixFrames is the block size pushed to the device: 20ms at 48kHz.
	mixFrames = 960

	defaultVoices = 32
)

// Mixer is a sndserver.Backend that mixes voices in software and writes the
// result to an output device. Voice control calls come in on the audio loop;
// the mix goroutine reads voice state under per-voice locks.
type Mixer struct {
	format audio.Format
	out    output.Output
	voices []*voice

	mu       sync.Mutex
	next     int
	deviceUp bool
	listener listenerState

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type listenerState struct {
	position audio.Vector3
	right    audio.Vector3
}

// New builds a mixer producing the given format. voiceCount <= 0 selects the
// default table size.
func New(out output.Output, format audio.Format, voiceCount int) (*Mixer, error) {
	if format.Channels != 2 {
		return nil, fmt.Errorf("softmix: only stereo output is supported, got %d channels", format.Channels)
	}
	if voiceCount <= 0 {
		voiceCount = defaultVoices
	}

	m := &Mixer{
		format: format,
		out:    out,
		voices: make([]*voice, voiceCount),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		listener: listenerState{
			right: audio.Vector3{X: 1},
		},
	}
	for i := range m.voices {
		m.voices[i] = &voice{id: i, format: format}
	}
	return m, nil
}

// Start opens the output device and begins mixing.
func (m *Mixer) Start() error {
	if err := m.out.Open(m.format); err != nil {
		return fmt.Errorf("softmix: open output: %w", err)
	}
	m.mu.Lock()
	m.deviceUp = true
	m.mu.Unlock()
	go m.run()
	return nil
}

// Close stops the mix goroutine and closes the device.
func (m *Mixer) Close() error {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.done
	return m.out.Close()
}

func (m *Mixer) run() {
	defer close(m.done)

	mix := make([]int32, mixFrames*m.format.Channels)
	frame := make([]int16, mixFrames*m.format.Channels)

	for {
		select {
		case <-m.quit:
			return
		default:
		}

		m.mu.Lock()
		up := m.deviceUp
		listener := m.listener
		m.mu.Unlock()

		if !up {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for i := range mix {
			mix[i] = 0
		}
		for _, v := range m.voices {
			v.mixInto(mix, mixFrames, listener)
		}
		for i, s := range mix {
			frame[i] = audio.ClampInt16(s)
		}

		// Write blocks on device backpressure, which paces this loop.
		if err := m.out.Write(frame); err != nil {
			log.Printf("softmix: device write failed: %v", err)
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// VoiceCount reports the size of the voice table.
func (m *Mixer) VoiceCount() int { return len(m.voices) }

// AcquireVoice hands out the next unclaimed voice.
func (m *Mixer) AcquireVoice() (sndserver.Voice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next >= len(m.voices) {
		return nil, false
	}
	v := m.voices[m.next]
	m.next++
	return v, true
}

func (m *Mixer) voiceOf(sv sndserver.Voice) *voice {
	v, ok := sv.(*voice)
	if !ok {
		return nil
	}
	return v
}

// Play binds a sound to the voice and starts it.
func (m *Mixer) Play(sv sndserver.Voice, snd *assets.Sound, params sndserver.VoiceParams) error {
	v := m.voiceOf(sv)
	if v == nil {
		return fmt.Errorf("softmix: foreign voice %v", sv)
	}
	return v.bind(snd, params)
}

// Stop silences the voice immediately.
func (m *Mixer) Stop(sv sndserver.Voice) {
	if v := m.voiceOf(sv); v != nil {
		v.stop()
	}
}

// SetGain retargets the voice's gain ramp.
func (m *Mixer) SetGain(sv sndserver.Voice, gain float64) {
	if v := m.voiceOf(sv); v != nil {
		v.setGain(gain)
	}
}

// SetPitch changes playback speed. Streamed voices ignore pitch.
func (m *Mixer) SetPitch(sv sndserver.Voice, pitch float64) {
	if v := m.voiceOf(sv); v != nil {
		v.setPitch(pitch)
	}
}

// SetPositional toggles spatialization for the voice.
func (m *Mixer) SetPositional(sv sndserver.Voice, positional bool) {
	if v := m.voiceOf(sv); v != nil {
		v.setPositional(positional)
	}
}

// SetPosition moves the voice in listener space.
func (m *Mixer) SetPosition(sv sndserver.Voice, pos audio.Vector3) {
	if v := m.voiceOf(sv); v != nil {
		v.setPosition(pos)
	}
}

// SetLooping toggles looping for the voice.
func (m *Mixer) SetLooping(sv sndserver.Voice, looping bool) {
	if v := m.voiceOf(sv); v != nil {
		v.setLooping(looping)
	}
}

// IsVoicePlaying reports whether the voice still produces audio.
func (m *Mixer) IsVoicePlaying(sv sndserver.Voice) bool {
	v := m.voiceOf(sv)
	return v != nil && v.isPlaying()
}

// StreamUpdate tops up a streamed voice's decode buffer.
func (m *Mixer) StreamUpdate(sv sndserver.Voice) {
	if v := m.voiceOf(sv); v != nil {
		v.streamUpdate()
	}
}

// SetListenerPosition moves the listener.
func (m *Mixer) SetListenerPosition(pos audio.Vector3) {
	m.mu.Lock()
	m.listener.position = pos
	m.mu.Unlock()
}

// SetListenerOrientation derives the listener's right vector from its
// forward and up directions; panning projects onto it.
func (m *Mixer) SetListenerOrientation(forward, up audio.Vector3) {
	right := forward.Cross(up).Normalized()
	if right.Length() == 0 {
		right = audio.Vector3{X: 1}
	}
	m.mu.Lock()
	m.listener.right = right
	m.mu.Unlock()
}

// ReleaseDevice closes the output device; mixing idles until restore.
func (m *Mixer) ReleaseDevice() error {
	m.mu.Lock()
	m.deviceUp = false
	m.mu.Unlock()
	return m.out.Close()
}

// RestoreDevice reopens the output device.
func (m *Mixer) RestoreDevice() error {
	if err := m.out.Open(m.format); err != nil {
		return fmt.Errorf("softmix: restore output: %w", err)
	}
	m.mu.Lock()
	m.deviceUp = true
	m.mu.Unlock()
	return nil
}
