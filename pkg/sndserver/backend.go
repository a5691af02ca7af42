// ABOUTME: Mixer backend interface consumed by the audio server
// ABOUTME: All methods are called from the audio loop goroutine only
package sndserver

import (
	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
)

// Voice is an opaque handle for one mixer voice.
type Voice interface {
	ID() int
}

// VoiceParams carries the initial playback settings for a voice.
type VoiceParams struct {
	Gain       float64
	Pitch      float64
	Looping    bool
	Positional bool
	Position   audio.Vector3
	Streaming  bool
}

// Backend is the mixer the server drives. Calls must be non-blocking or
// bounded; the server invokes them from its single audio loop goroutine, so
// implementations need no locking against the server itself. Device failures
// are returned as errors and treated as recoverable.
type Backend interface {
	// VoiceCount reports the fixed number of voices the hardware supports.
	VoiceCount() int

	// AcquireVoice claims an unclaimed voice, or reports false when the
	// backend cannot provide one.
	AcquireVoice() (Voice, bool)

	Play(v Voice, snd *assets.Sound, params VoiceParams) error
	Stop(v Voice)
	SetGain(v Voice, gain float64)
	SetPitch(v Voice, pitch float64)
	SetPositional(v Voice, positional bool)
	SetPosition(v Voice, pos audio.Vector3)
	SetLooping(v Voice, looping bool)

	// IsVoicePlaying reports whether the voice is still producing audio;
	// used for natural-completion detection and sanity checks.
	IsVoicePlaying(v Voice) bool

	// StreamUpdate gives a streaming voice a chance to refill its buffers.
	StreamUpdate(v Voice)

	SetListenerPosition(pos audio.Vector3)
	SetListenerOrientation(forward, up audio.Vector3)

	ReleaseDevice() error
	RestoreDevice() error
}
