// ABOUTME: Audio server running playback on a dedicated event loop
// ABOUTME: Producers post commands and get play-id handles; slots, fades and streams advance on ticks
package sndserver

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/eventloop"
)

// Tick cadence adapts to what is active: fades need fine steps, streaming
// sources need regular buffer refills, an idle mixer only needs housekeeping.
const (
	fadeProcessInterval   = 25 * time.Millisecond
	streamProcessInterval = 100 * time.Millisecond
	idleProcessInterval   = 250 * time.Millisecond
	sanityCheckInterval   = 5 * time.Second
)

// Config wires a Server to its collaborators.
type Config struct {
	// Backend is the mixer to drive. Required.
	Backend Backend

	// Loads, when set, lets the server run deferred asset loads on its
	// own thread after being nudged by HavePendingLoads.
	Loads *assets.Store

	// Loop runs the server when provided; otherwise the server owns one.
	Loop *eventloop.Loop
}

// PlayParams carries per-play settings. A zero Gain plays at full volume.
type PlayParams struct {
	Gain       float64
	Music      bool
	Looping    bool
	Positional bool
	Position   audio.Vector3
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Played          int64
	Dropped         int64
	Evicted         int64
	Stopped         int64
	NaturalEnds     int64
	ActiveSources   int
	StreamingCount  int
	ActiveFades     int
	PendingReleases int
	MusicPlaying    bool
	Suspended       bool
	ShutdownDone    bool
}

// Server owns all playback state. Every mutation runs on its event loop;
// public methods post commands and return without waiting, except for the
// play-id handed back synchronously by PlaySound.
type Server struct {
	backend Backend
	loads   *assets.Store
	loop    *eventloop.Loop
	ownLoop bool

	alloc    *allocator
	releases releaseList

	// Audio-loop-owned state below.
	slots           []*source
	fades           map[PlayID]*fadeNode
	streaming       []*source
	musicCount      int
	musicVolume     float64
	soundVolume     float64
	soundPitch      float64
	listenerPos     audio.Vector3
	suspended       bool
	shuttingDown    bool
	havePending     bool
	processTimer    *eventloop.Timer
	lastFadeProcess time.Time
	lastStreamTime  time.Time
	lastSanityCheck time.Time

	// Cross-goroutine flags and counters.
	suspendedFlag atomic.Bool
	shutdownDone  atomic.Bool
	musicFlag     atomic.Bool
	played        atomic.Int64
	dropped       atomic.Int64
	evicted       atomic.Int64
	stopped       atomic.Int64
	naturalEnds   atomic.Int64
	activeGauge   atomic.Int64
	streamGauge   atomic.Int64
	fadeGauge     atomic.Int64
}

// New builds a Server. Call Start before posting any commands.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("sndserver: backend is required")
	}
	capacity := cfg.Backend.VoiceCount()
	if capacity <= 0 || capacity > 0x10000 {
		return nil, errors.New("sndserver: backend voice count out of range")
	}

	s := &Server{
		backend:     cfg.Backend,
		loads:       cfg.Loads,
		loop:        cfg.Loop,
		alloc:       newAllocator(capacity),
		fades:       make(map[PlayID]*fadeNode),
		musicVolume: 1,
		soundVolume: 1,
		soundPitch:  1,
	}
	if s.loop == nil {
		s.loop = eventloop.New("audio")
		s.ownLoop = true
	}
	return s, nil
}

// Start spins up the loop (when owned) and claims the backend's voices.
func (s *Server) Start() {
	if s.ownLoop {
		s.loop.Start()
	}
	s.loop.Post(s.initOnLoop)
}

func (s *Server) initOnLoop() {
	capacity := s.backend.VoiceCount()
	s.slots = make([]*source, capacity)
	for i := range s.slots {
		src := &source{id: uint16(i), fade: 1}
		s.slots[i] = src

		voice, ok := s.backend.AcquireVoice()
		if !ok {
			s.alloc.disable(uint16(i))
			log.Printf("audio: voice %d unavailable, slot disabled", i)
			continue
		}
		src.voice = voice
	}

	now := time.Now()
	s.lastFadeProcess = now
	s.lastStreamTime = now
	s.lastSanityCheck = now
	s.processTimer = s.loop.NewTimer(idleProcessInterval, true, s.processTick)
}

// Loop exposes the server's event loop for callers that share it.
func (s *Server) Loop() *eventloop.Loop {
	return s.loop
}

// PlaySound starts playback of the sound behind ref. On success it returns a
// handle for later control calls and takes ownership of ref; the ref comes
// back through DrainPendingReleases once the server is done with it. On
// failure the caller keeps ref.
func (s *Server) PlaySound(ref *assets.Ref, p PlayParams) (PlayID, bool) {
	if ref == nil || ref.Sound() == nil {
		return 0, false
	}
	if s.shutdownDone.Load() {
		return 0, false
	}
	if p.Gain == 0 {
		p.Gain = 1
	}

	id, ok := s.alloc.acquire(p.Music)
	if !ok {
		s.dropped.Add(1)
		return 0, false
	}
	if !s.loop.Post(func() { s.execPlay(id, ref, p) }) {
		s.releaseSlot(id)
		s.dropped.Add(1)
		return 0, false
	}
	return id, true
}

func (s *Server) execPlay(id PlayID, ref *assets.Ref, p PlayParams) {
	if s.shuttingDown || s.suspended {
		if s.suspended && !s.shuttingDown {
			log.Printf("audio: dropping play for %q while suspended", ref.Sound().Name())
		}
		s.releases.add(ref)
		s.releaseSlot(id)
		s.dropped.Add(1)
		return
	}

	src := s.slots[id.SourceID()]
	if src.voice == nil {
		s.releases.add(ref)
		s.releaseSlot(id)
		s.dropped.Add(1)
		return
	}
	if src.state != sourceIdle {
		// The allocator evicted this slot's previous occupant.
		s.finishSource(src, endEvicted)
	}

	snd := ref.Sound()
	src.playID = id
	src.gain = p.Gain
	src.fade = 1
	src.music = p.Music
	src.looping = p.Looping
	src.positional = p.Positional
	src.position = p.Position
	src.streaming = snd.Streaming()
	src.startTime = time.Now()

	err := s.backend.Play(src.voice, snd, VoiceParams{
		Gain:       s.effectiveGain(src),
		Pitch:      s.effectivePitch(src),
		Looping:    p.Looping,
		Positional: p.Positional,
		Position:   p.Position,
		Streaming:  src.streaming,
	})
	if err != nil {
		log.Printf("audio: play %q failed: %v", snd.Name(), err)
		s.releases.add(ref)
		s.releaseSlot(id)
		s.dropped.Add(1)
		return
	}

	src.ref = ref
	src.state = sourcePlaying
	if src.music {
		s.musicCount++
	}
	if src.streaming {
		s.streaming = append(s.streaming, src)
	}
	s.played.Add(1)
	s.activeGauge.Add(1)
	s.musicFlag.Store(s.musicCount > 0)
	s.refreshGauges()
	s.updateTimerInterval()
}

// StopSound halts a playback immediately. Unknown or stale handles are
// ignored.
func (s *Server) StopSound(id PlayID) {
	s.loop.Post(func() { s.execStop(id) })
}

// EndSound is StopSound for playbacks that ran their course from the
// caller's point of view; it exists so callers can signal intent, the
// teardown path is shared.
func (s *Server) EndSound(id PlayID) {
	s.loop.Post(func() { s.execStop(id) })
}

func (s *Server) execStop(id PlayID) {
	if s.shuttingDown {
		return
	}
	src := s.findPlaying(id)
	if src == nil {
		return
	}
	s.finishSource(src, endStopped)
	s.refreshGauges()
	s.updateTimerInterval()
}

// FadeSoundOut ramps a playback's fade gain to zero over d and then stops
// it. The first fade on a handle wins; later requests are ignored.
func (s *Server) FadeSoundOut(id PlayID, d time.Duration) {
	s.loop.Post(func() { s.execFadeSoundOut(id, d) })
}

// SetSourceGain adjusts a playback's own gain.
func (s *Server) SetSourceGain(id PlayID, gain float64) {
	s.loop.Post(func() {
		src := s.findPlaying(id)
		if src == nil {
			return
		}
		src.gain = clamp01(gain)
		s.backend.SetGain(src.voice, s.effectiveGain(src))
	})
}

// SetSourceFade sets a playback's fade gain directly. Ignored while a timed
// fade-out owns the value.
func (s *Server) SetSourceFade(id PlayID, fade float64) {
	s.loop.Post(func() {
		src := s.findPlaying(id)
		if src == nil {
			return
		}
		if _, fading := s.fades[id]; fading {
			return
		}
		src.fade = clamp01(fade)
		s.backend.SetGain(src.voice, s.effectiveGain(src))
	})
}

// SetSourceIsMusic reclassifies a playback between the music and sound
// volume groups.
func (s *Server) SetSourceIsMusic(id PlayID, music bool) {
	s.loop.Post(func() {
		src := s.findPlaying(id)
		if src == nil || src.music == music {
			return
		}
		src.music = music
		if music {
			s.musicCount++
		} else {
			s.musicCount--
		}
		s.alloc.setMusic(src.id, music)
		s.musicFlag.Store(s.musicCount > 0)
		s.backend.SetGain(src.voice, s.effectiveGain(src))
		s.backend.SetPitch(src.voice, s.effectivePitch(src))
	})
}

// SetSourceLooping toggles looping on a playback.
func (s *Server) SetSourceLooping(id PlayID, looping bool) {
	s.loop.Post(func() {
		src := s.findPlaying(id)
		if src == nil {
			return
		}
		src.looping = looping
		s.backend.SetLooping(src.voice, looping)
	})
}

// SetSourcePositional toggles spatialization on a playback.
func (s *Server) SetSourcePositional(id PlayID, positional bool) {
	s.loop.Post(func() {
		src := s.findPlaying(id)
		if src == nil {
			return
		}
		src.positional = positional
		s.backend.SetPositional(src.voice, positional)
	})
}

// SetSourcePosition moves a positional playback in space.
func (s *Server) SetSourcePosition(id PlayID, pos audio.Vector3) {
	s.loop.Post(func() {
		src := s.findPlaying(id)
		if src == nil {
			return
		}
		src.position = pos
		s.backend.SetPosition(src.voice, pos)
	})
}

// SetVolumes sets the music and sound group volumes and reapplies them to
// every active playback.
func (s *Server) SetVolumes(music, sound float64) {
	s.loop.Post(func() {
		s.musicVolume = clamp01(music)
		s.soundVolume = clamp01(sound)
		for _, src := range s.slots {
			if src.state == sourceIdle {
				continue
			}
			s.backend.SetGain(src.voice, s.effectiveGain(src))
		}
	})
}

// SetSoundPitch sets the global pitch applied to non-music playbacks.
func (s *Server) SetSoundPitch(pitch float64) {
	s.loop.Post(func() {
		if pitch <= 0 {
			pitch = 1
		}
		s.soundPitch = pitch
		for _, src := range s.slots {
			if src.state == sourceIdle || src.music {
				continue
			}
			s.backend.SetPitch(src.voice, s.effectivePitch(src))
		}
	})
}

// SetListenerPosition moves the listener.
func (s *Server) SetListenerPosition(pos audio.Vector3) {
	s.loop.Post(func() {
		s.listenerPos = pos
		s.backend.SetListenerPosition(pos)
	})
}

// SetListenerOrientation points the listener.
func (s *Server) SetListenerOrientation(forward, up audio.Vector3) {
	s.loop.Post(func() {
		s.backend.SetListenerOrientation(forward, up)
	})
}

// SetSuspended suspends or resumes playback processing. Suspension releases
// the output device and pauses ticks; plays arriving while suspended are
// dropped. Redundant transitions are ignored.
func (s *Server) SetSuspended(suspend bool) {
	s.loop.Post(func() { s.execSetSuspended(suspend) })
}

func (s *Server) execSetSuspended(suspend bool) {
	if s.shuttingDown {
		return
	}
	if suspend == s.suspended {
		log.Printf("audio: redundant suspend state %v ignored", suspend)
		return
	}
	s.suspended = suspend
	s.suspendedFlag.Store(suspend)

	if suspend {
		if s.processTimer != nil {
			s.processTimer.Pause()
		}
		if err := s.backend.ReleaseDevice(); err != nil {
			log.Printf("audio: device release failed: %v", err)
		}
		return
	}

	if err := s.backend.RestoreDevice(); err != nil {
		log.Printf("audio: device restore failed: %v", err)
	}
	now := time.Now()
	s.lastFadeProcess = now
	s.lastStreamTime = now
	s.lastSanityCheck = now
	if s.processTimer != nil {
		s.processTimer.Resume()
	}
}

// Suspended reports the last applied suspend state.
func (s *Server) Suspended() bool {
	return s.suspendedFlag.Load()
}

// MusicPlaying reports whether any music-classified playback is active.
func (s *Server) MusicPlaying() bool {
	return s.musicFlag.Load()
}

// HavePendingLoads nudges the server to run deferred asset loads on its
// loop during upcoming ticks.
func (s *Server) HavePendingLoads() {
	if s.loads == nil {
		return
	}
	s.loop.Post(func() { s.havePending = true })
}

// ComponentUnload stops every playback using one of the given sounds, hands
// their refs to the release mailbox, and then calls onDone. Callers use it
// to make sure the audio thread is off an asset before unloading it.
func (s *Server) ComponentUnload(sounds []*assets.Sound, onDone func()) {
	s.loop.Post(func() {
		if !s.shuttingDown {
			for _, src := range s.slots {
				if src.state == sourceIdle || src.ref == nil {
					continue
				}
				for _, snd := range sounds {
					if src.ref.Sound() == snd {
						s.finishSource(src, endStopped)
						break
					}
				}
			}
			s.refreshGauges()
			s.updateTimerInterval()
		}
		if onDone != nil {
			onDone()
		}
	})
}

// Reset stops all playback and recenters the listener. The server stays
// usable afterwards.
func (s *Server) Reset() {
	s.loop.Post(func() {
		if s.shuttingDown {
			return
		}
		s.stopAllSources()
		s.listenerPos = audio.Vector3{}
		s.backend.SetListenerPosition(audio.Vector3{})
		s.refreshGauges()
		s.updateTimerInterval()
	})
}

// Shutdown stops all playback, releases the device and marks the server
// done. One-way; later commands are ignored. Safe to call more than once.
func (s *Server) Shutdown() {
	s.loop.Post(s.execShutdown)
}

func (s *Server) execShutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.stopAllSources()
	if s.processTimer != nil {
		s.processTimer.Stop()
	}
	if err := s.backend.ReleaseDevice(); err != nil {
		log.Printf("audio: device release on shutdown failed: %v", err)
	}
	s.refreshGauges()
	s.shutdownDone.Store(true)
	log.Printf("audio: shutdown complete")
	if s.ownLoop {
		s.loop.Stop()
	}
}

// ShutdownCompleted reports whether shutdown has finished.
func (s *Server) ShutdownCompleted() bool {
	return s.shutdownDone.Load()
}

// DrainPendingReleases returns every asset ref the audio thread has finished
// with. The caller owns the returned refs and must release them.
func (s *Server) DrainPendingReleases() []*assets.Ref {
	return s.releases.drainAll()
}

// Stats snapshots the server's counters.
func (s *Server) Stats() Stats {
	return Stats{
		Played:          s.played.Load(),
		Dropped:         s.dropped.Load(),
		Evicted:         s.evicted.Load(),
		Stopped:         s.stopped.Load(),
		NaturalEnds:     s.naturalEnds.Load(),
		ActiveSources:   int(s.activeGauge.Load()),
		StreamingCount:  int(s.streamGauge.Load()),
		ActiveFades:     int(s.fadeGauge.Load()),
		PendingReleases: s.releases.size(),
		MusicPlaying:    s.musicFlag.Load(),
		Suspended:       s.suspendedFlag.Load(),
		ShutdownDone:    s.shutdownDone.Load(),
	}
}

// findPlaying resolves a handle to its slot, returning nil when the handle
// is stale or the slot is idle.
func (s *Server) findPlaying(id PlayID) *source {
	sid := int(id.SourceID())
	if sid >= len(s.slots) {
		return nil
	}
	src := s.slots[sid]
	if src == nil || src.state == sourceIdle || src.playID != id {
		return nil
	}
	return src
}

// endCause says why a source is being torn down; each cause feeds exactly
// one counter.
type endCause int

const (
	endStopped endCause = iota
	endNatural
	endEvicted
)

// finishSource tears down an active slot: stop the voice, drop fade and
// streaming bookkeeping, hand the ref back and free the slot. The slot is
// kept when the allocator has already reissued it to a newer play.
func (s *Server) finishSource(src *source, cause endCause) {
	if src.state == sourceIdle {
		return
	}
	s.backend.Stop(src.voice)
	delete(s.fades, src.playID)
	if src.streaming {
		s.removeStreaming(src)
	}
	if src.music {
		s.musicCount--
		s.musicFlag.Store(s.musicCount > 0)
	}
	s.releases.add(src.ref)
	src.ref = nil
	src.state = sourceIdle
	src.streaming = false
	src.fade = 1

	switch cause {
	case endNatural:
		s.naturalEnds.Add(1)
	case endEvicted:
		s.evicted.Add(1)
	default:
		s.stopped.Add(1)
	}
	s.activeGauge.Add(-1)
	s.releaseSlot(src.playID)
}

// releaseSlot frees a slot unless the allocator already reissued it.
func (s *Server) releaseSlot(id PlayID) {
	if s.alloc.reissued(id) {
		return
	}
	s.alloc.release(id.SourceID())
}

func (s *Server) stopAllSources() {
	for _, src := range s.slots {
		if src.state != sourceIdle {
			s.finishSource(src, endStopped)
		}
	}
}

func (s *Server) removeStreaming(src *source) {
	for i, st := range s.streaming {
		if st == src {
			s.streaming = append(s.streaming[:i], s.streaming[i+1:]...)
			return
		}
	}
}

// effectiveGain is the gain actually sent to the backend: the playback's
// own gain scaled by its fade and its volume group.
func (s *Server) effectiveGain(src *source) float64 {
	group := s.soundVolume
	if src.music {
		group = s.musicVolume
	}
	return src.gain * src.fade * group
}

// effectivePitch applies the global pitch to non-music playbacks only.
func (s *Server) effectivePitch(src *source) float64 {
	if src.music {
		return 1
	}
	return s.soundPitch
}

// processTick is the repeating housekeeping pass on the audio loop.
func (s *Server) processTick() {
	if s.shuttingDown || s.suspended {
		return
	}
	now := time.Now()
	s.processSoundFades(now)
	s.updateStreamingSources(now)
	s.updateAvailableSources()
	if s.havePending && s.loads != nil {
		s.havePending = s.loads.RunPendingLoads()
	}
	s.sanityCheck(now)
	s.refreshGauges()
	s.updateTimerInterval()
}

// updateStreamingSources refills streaming voices on their own cadence,
// which may be coarser than the tick when fades are active.
func (s *Server) updateStreamingSources(now time.Time) {
	if len(s.streaming) == 0 {
		s.lastStreamTime = now
		return
	}
	if now.Sub(s.lastStreamTime) < streamProcessInterval {
		return
	}
	s.lastStreamTime = now
	for _, src := range s.streaming {
		s.backend.StreamUpdate(src.voice)
	}
}

// updateAvailableSources recycles slots whose voices finished on their own.
func (s *Server) updateAvailableSources() {
	for _, src := range s.slots {
		if src.state != sourcePlaying || src.looping {
			continue
		}
		if !s.backend.IsVoicePlaying(src.voice) {
			s.finishSource(src, endNatural)
		}
	}
}

// sanityCheck occasionally verifies no idle slot still has a live voice.
func (s *Server) sanityCheck(now time.Time) {
	if now.Sub(s.lastSanityCheck) < sanityCheckInterval {
		return
	}
	s.lastSanityCheck = now
	for _, src := range s.slots {
		if src.state != sourceIdle || src.voice == nil {
			continue
		}
		if s.backend.IsVoicePlaying(src.voice) {
			log.Printf("audio: idle slot %d still playing, stopping", src.id)
			s.backend.Stop(src.voice)
		}
	}
}

// updateTimerInterval picks the tick rate for the current workload.
func (s *Server) updateTimerInterval() {
	if s.processTimer == nil || s.suspended || s.shuttingDown {
		return
	}
	interval := idleProcessInterval
	if len(s.streaming) > 0 {
		interval = streamProcessInterval
	}
	if len(s.fades) > 0 {
		interval = fadeProcessInterval
	}
	if s.processTimer.Interval() != interval {
		s.processTimer.SetInterval(interval)
	}
}

func (s *Server) refreshGauges() {
	s.fadeGauge.Store(int64(len(s.fades)))
	s.streamGauge.Store(int64(len(s.streaming)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
