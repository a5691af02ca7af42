// ABOUTME: Tests for the audio server using a mock mixer backend
// ABOUTME: Covers handle staleness, fades, eviction, suspend, shutdown and handback
package sndserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/eventloop"
)

type mockVoice struct{ id int }

func (v *mockVoice) ID() int { return v.id }

type mockBackend struct {
	mu       sync.Mutex
	capacity int
	acquired int

	plays         []string
	stops         int
	gains         map[int]float64
	pitches       map[int]float64
	looping       map[int]bool
	playing       map[int]bool
	streamUpdates int
	released      int
	restored      int
	listener      audio.Vector3
	failPlay      bool
}

func newMockBackend(capacity int) *mockBackend {
	return &mockBackend{
		capacity: capacity,
		gains:    make(map[int]float64),
		pitches:  make(map[int]float64),
		looping:  make(map[int]bool),
		playing:  make(map[int]bool),
	}
}

func (b *mockBackend) VoiceCount() int { return b.capacity }

func (b *mockBackend) AcquireVoice() (Voice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acquired >= b.capacity {
		return nil, false
	}
	v := &mockVoice{id: b.acquired}
	b.acquired++
	return v, true
}

func (b *mockBackend) Play(v Voice, snd *assets.Sound, params VoiceParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPlay {
		return errors.New("mock play failure")
	}
	b.plays = append(b.plays, snd.Name())
	b.gains[v.ID()] = params.Gain
	b.pitches[v.ID()] = params.Pitch
	b.looping[v.ID()] = params.Looping
	b.playing[v.ID()] = true
	return nil
}

func (b *mockBackend) Stop(v Voice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playing[v.ID()] {
		b.stops++
	}
	b.playing[v.ID()] = false
}

func (b *mockBackend) SetGain(v Voice, gain float64) {
	b.mu.Lock()
	b.gains[v.ID()] = gain
	b.mu.Unlock()
}

func (b *mockBackend) SetPitch(v Voice, pitch float64) {
	b.mu.Lock()
	b.pitches[v.ID()] = pitch
	b.mu.Unlock()
}

func (b *mockBackend) SetPositional(v Voice, positional bool) {}

func (b *mockBackend) SetPosition(v Voice, pos audio.Vector3) {}

func (b *mockBackend) SetLooping(v Voice, looping bool) {
	b.mu.Lock()
	b.looping[v.ID()] = looping
	b.mu.Unlock()
}

func (b *mockBackend) IsVoicePlaying(v Voice) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing[v.ID()]
}

func (b *mockBackend) StreamUpdate(v Voice) {
	b.mu.Lock()
	b.streamUpdates++
	b.mu.Unlock()
}

func (b *mockBackend) SetListenerPosition(pos audio.Vector3) {
	b.mu.Lock()
	b.listener = pos
	b.mu.Unlock()
}

func (b *mockBackend) SetListenerOrientation(forward, up audio.Vector3) {}

func (b *mockBackend) ReleaseDevice() error {
	b.mu.Lock()
	b.released++
	b.mu.Unlock()
	return nil
}

func (b *mockBackend) RestoreDevice() error {
	b.mu.Lock()
	b.restored++
	b.mu.Unlock()
	return nil
}

// endVoice simulates a voice finishing its buffer.
func (b *mockBackend) endVoice(id int) {
	b.mu.Lock()
	b.playing[id] = false
	b.mu.Unlock()
}

func (b *mockBackend) stopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *mockBackend) playNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.plays...)
}

func (b *mockBackend) gain(voice int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gains[voice]
}

func (b *mockBackend) pitch(voice int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pitches[voice]
}

func (b *mockBackend) deviceCounts() (released, restored int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released, b.restored
}

func testStore(t *testing.T) *assets.Store {
	t.Helper()
	return assets.NewStore(audio.Format{SampleRate: 48000, Channels: 2})
}

func testSound(t *testing.T, st *assets.Store, name string) *assets.Sound {
	t.Helper()

	samples := []int16{100, -100, 200, -200}
	raw := make([]byte, len(samples)*2)
	for i, smp := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(smp))
	}
	path := filepath.Join(t.TempDir(), name+".pcm")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	snd, err := st.Load(name, path)
	if err != nil {
		t.Fatal(err)
	}
	return snd
}

func newTestServer(t *testing.T, capacity int) (*Server, *mockBackend, *assets.Store) {
	t.Helper()

	backend := newMockBackend(capacity)
	st := testStore(t)
	s, err := New(Config{Backend: backend, Loads: st})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case <-s.Loop().Done():
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop after shutdown")
		}
	})
	syncLoop(t, s)
	return s, backend, st
}

// syncLoop waits until every previously posted command has executed.
func syncLoop(t *testing.T, s *Server) {
	t.Helper()
	done := make(chan struct{})
	if !s.loop.Post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out syncing audio loop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlayAndNaturalEnd(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	snd := testSound(t, st, "blip")

	id, ok := s.PlaySound(snd.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("play rejected")
	}
	syncLoop(t, s)

	if got := s.Stats(); got.Played != 1 || got.ActiveSources != 1 {
		t.Fatalf("unexpected stats after play: %+v", got)
	}
	if g := backend.gain(int(id.SourceID())); g != 1 {
		t.Errorf("expected full gain, got %v", g)
	}

	backend.endVoice(int(id.SourceID()))
	waitFor(t, 2*time.Second, func() bool {
		return s.Stats().NaturalEnds == 1
	}, "natural end not detected")

	refs := s.DrainPendingReleases()
	if len(refs) != 1 {
		t.Fatalf("expected 1 pending release, got %d", len(refs))
	}
	refs[0].Release()
	if snd.Refs() != 0 {
		t.Errorf("expected 0 refs after release, got %d", snd.Refs())
	}
}

func TestStopAndStaleHandle(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	snd := testSound(t, st, "blip")

	id, _ := s.PlaySound(snd.Acquire(), PlayParams{})
	s.StopSound(id)
	syncLoop(t, s)

	if backend.stopCount() != 1 {
		t.Fatalf("expected 1 stop, got %d", backend.stopCount())
	}

	// The handle is stale now; further control calls must be no-ops.
	s.StopSound(id)
	s.SetSourceGain(id, 0.5)
	s.FadeSoundOut(id, 50*time.Millisecond)
	syncLoop(t, s)

	if backend.stopCount() != 1 {
		t.Errorf("stale handle reached the backend")
	}
	if s.Stats().ActiveFades != 0 {
		t.Errorf("stale handle registered a fade")
	}
}

func TestUnknownHandleIgnored(t *testing.T) {
	s, backend, _ := newTestServer(t, 4)

	s.StopSound(MakePlayID(2, 7))
	s.SetSourcePosition(MakePlayID(600, 0), audio.Vector3{X: 1})
	syncLoop(t, s)

	if backend.stopCount() != 0 {
		t.Error("unknown handle stopped a voice")
	}
}

func TestSlotReuseBumpsPlayCount(t *testing.T) {
	s, _, st := newTestServer(t, 1)
	snd := testSound(t, st, "blip")

	id1, ok := s.PlaySound(snd.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("first play rejected")
	}
	s.StopSound(id1)
	syncLoop(t, s)

	id2, ok := s.PlaySound(snd.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("second play rejected")
	}
	syncLoop(t, s)

	if id2.SourceID() != id1.SourceID() {
		t.Fatalf("expected slot reuse, got %d then %d", id1.SourceID(), id2.SourceID())
	}
	if id2.PlayCount() != id1.PlayCount()+1 {
		t.Errorf("expected play count bump, got %d then %d", id1.PlayCount(), id2.PlayCount())
	}
	s.StopSound(id2)
}

func TestFadeOutStopsAndRecycles(t *testing.T) {
	s, backend, st := newTestServer(t, 1)
	snd := testSound(t, st, "blip")

	id, _ := s.PlaySound(snd.Acquire(), PlayParams{})
	s.FadeSoundOut(id, 80*time.Millisecond)
	syncLoop(t, s)

	if s.Stats().ActiveFades != 1 {
		t.Fatal("fade not registered")
	}

	waitFor(t, 2*time.Second, func() bool {
		return s.Stats().ActiveSources == 0
	}, "fade did not stop the source")

	if backend.stopCount() != 1 {
		t.Errorf("expected 1 stop from fade, got %d", backend.stopCount())
	}
	if refs := s.DrainPendingReleases(); len(refs) != 1 {
		t.Errorf("expected 1 handed-back ref, got %d", len(refs))
	}

	id2, ok := s.PlaySound(snd.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("slot not recycled after fade")
	}
	if id2.SourceID() != id.SourceID() || id2.PlayCount() != id.PlayCount()+1 {
		t.Errorf("expected recycled slot with bumped count, got %v after %v", id2, id)
	}
}

func TestSecondFadeIgnored(t *testing.T) {
	s, _, st := newTestServer(t, 1)
	snd := testSound(t, st, "blip")

	id, _ := s.PlaySound(snd.Acquire(), PlayParams{})
	s.FadeSoundOut(id, 500*time.Millisecond)
	s.FadeSoundOut(id, 20*time.Millisecond)
	syncLoop(t, s)

	time.Sleep(150 * time.Millisecond)
	if s.Stats().ActiveSources != 1 {
		t.Error("second fade shortened the first")
	}
}

func TestFadeElapsedFrozenWhileSuspended(t *testing.T) {
	s, backend, st := newTestServer(t, 1)
	snd := testSound(t, st, "blip")

	id, _ := s.PlaySound(snd.Acquire(), PlayParams{})
	s.FadeSoundOut(id, 700*time.Millisecond)
	s.SetSuspended(true)
	syncLoop(t, s)

	// Wall time passes well beyond the fade duration while suspended.
	time.Sleep(900 * time.Millisecond)
	stats := s.Stats()
	if stats.ActiveSources != 1 || stats.ActiveFades != 1 {
		t.Fatalf("fade advanced while suspended: %+v", stats)
	}

	s.SetSuspended(false)
	syncLoop(t, s)

	// Right after resume the fade still has nearly its whole run ahead.
	time.Sleep(200 * time.Millisecond)
	if got := s.Stats(); got.ActiveSources != 1 {
		t.Fatalf("fade finished early after resume: %+v", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return s.Stats().ActiveSources == 0
	}, "fade never completed after resume")
	if backend.stopCount() != 1 {
		t.Errorf("expected 1 stop from the fade, got %d", backend.stopCount())
	}
}

func TestSuspendDropsPlaysAndReleasesDevice(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	snd := testSound(t, st, "blip")

	s.SetSuspended(true)
	syncLoop(t, s)
	if !s.Suspended() {
		t.Fatal("suspend not applied")
	}

	_, ok := s.PlaySound(snd.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("expected handle even while suspended")
	}
	syncLoop(t, s)

	stats := s.Stats()
	if stats.Played != 0 || stats.Dropped != 1 {
		t.Errorf("suspended play not dropped: %+v", stats)
	}
	if len(backend.playNames()) != 0 {
		t.Error("suspended play reached the backend")
	}
	if refs := s.DrainPendingReleases(); len(refs) != 1 {
		t.Errorf("dropped play's ref not handed back, got %d", len(refs))
	}

	// Redundant transitions are ignored.
	s.SetSuspended(true)
	s.SetSuspended(false)
	s.SetSuspended(false)
	syncLoop(t, s)

	released, restored := backend.deviceCounts()
	if released != 1 || restored != 1 {
		t.Errorf("expected 1 release/1 restore, got %d/%d", released, restored)
	}
	if s.Suspended() {
		t.Error("resume not applied")
	}
}

func TestShutdownIdempotentAndTerminal(t *testing.T) {
	backend := newMockBackend(4)
	st := testStore(t)
	loop := eventloop.New("audio-test")
	loop.Start()
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	s, err := New(Config{Backend: backend, Loads: st, Loop: loop})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	snd := testSound(t, st, "blip")
	s.PlaySound(snd.Acquire(), PlayParams{})

	s.Shutdown()
	s.Shutdown()
	syncLoop(t, s)

	if !s.ShutdownCompleted() {
		t.Fatal("shutdown not completed")
	}
	if backend.stopCount() != 1 {
		t.Errorf("expected active source stopped once, got %d", backend.stopCount())
	}
	if released, _ := backend.deviceCounts(); released != 1 {
		t.Errorf("expected device released once, got %d", released)
	}
	if refs := s.DrainPendingReleases(); len(refs) != 1 {
		t.Errorf("shutdown did not hand back refs, got %d", len(refs))
	}

	if _, ok := s.PlaySound(snd.Acquire(), PlayParams{}); ok {
		t.Error("play accepted after shutdown")
	}
}

func TestVolumeGroupsReapply(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	music := testSound(t, st, "music")
	blip := testSound(t, st, "blip")

	mid, _ := s.PlaySound(music.Acquire(), PlayParams{Music: true})
	bid, _ := s.PlaySound(blip.Acquire(), PlayParams{})
	s.SetVolumes(0.5, 0.25)
	syncLoop(t, s)

	if g := backend.gain(int(mid.SourceID())); g != 0.5 {
		t.Errorf("music gain: expected 0.5, got %v", g)
	}
	if g := backend.gain(int(bid.SourceID())); g != 0.25 {
		t.Errorf("sound gain: expected 0.25, got %v", g)
	}
	if !s.MusicPlaying() {
		t.Error("music flag not set")
	}

	s.StopSound(mid)
	syncLoop(t, s)
	if s.MusicPlaying() {
		t.Error("music flag stuck after stop")
	}
}

func TestGlobalPitchSkipsMusic(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	music := testSound(t, st, "music")
	blip := testSound(t, st, "blip")

	mid, _ := s.PlaySound(music.Acquire(), PlayParams{Music: true})
	bid, _ := s.PlaySound(blip.Acquire(), PlayParams{})
	s.SetSoundPitch(2)
	syncLoop(t, s)

	if p := backend.pitch(int(bid.SourceID())); p != 2 {
		t.Errorf("sound pitch: expected 2, got %v", p)
	}
	if p := backend.pitch(int(mid.SourceID())); p != 1 {
		t.Errorf("music pitch: expected 1, got %v", p)
	}
}

func TestEvictionOldestNonMusic(t *testing.T) {
	s, backend, st := newTestServer(t, 2)
	a := testSound(t, st, "a")
	b := testSound(t, st, "b")
	c := testSound(t, st, "c")

	idA, _ := s.PlaySound(a.Acquire(), PlayParams{})
	idB, _ := s.PlaySound(b.Acquire(), PlayParams{})
	idC, ok := s.PlaySound(c.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("expected eviction to make room")
	}
	syncLoop(t, s)

	stats := s.Stats()
	if stats.Evicted != 1 || stats.ActiveSources != 2 {
		t.Fatalf("unexpected stats after eviction: %+v", stats)
	}
	if stats.Stopped != 0 {
		t.Errorf("eviction leaked into the stopped counter: %+v", stats)
	}
	if idC.SourceID() != idA.SourceID() {
		t.Errorf("expected oldest slot %d evicted, got %d", idA.SourceID(), idC.SourceID())
	}

	// The evicted handle is stale.
	stopsBefore := backend.stopCount()
	s.StopSound(idA)
	syncLoop(t, s)
	if backend.stopCount() != stopsBefore {
		t.Error("evicted handle stopped a live voice")
	}

	s.StopSound(idB)
	s.StopSound(idC)
}

func TestAllMusicDropsNewPlays(t *testing.T) {
	s, _, st := newTestServer(t, 1)
	music := testSound(t, st, "music")
	blip := testSound(t, st, "blip")

	if _, ok := s.PlaySound(music.Acquire(), PlayParams{Music: true}); !ok {
		t.Fatal("music play rejected")
	}
	ref := blip.Acquire()
	if _, ok := s.PlaySound(ref, PlayParams{}); ok {
		t.Fatal("expected drop when every slot holds music")
	}
	ref.Release()
	if s.Stats().Dropped != 1 {
		t.Errorf("drop not counted: %+v", s.Stats())
	}
}

func TestComponentUnloadStopsMatchingSources(t *testing.T) {
	s, _, st := newTestServer(t, 4)
	a := testSound(t, st, "a")
	b := testSound(t, st, "b")

	s.PlaySound(a.Acquire(), PlayParams{})
	s.PlaySound(b.Acquire(), PlayParams{})

	done := make(chan struct{})
	s.ComponentUnload([]*assets.Sound{a}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unload callback never ran")
	}

	if s.Stats().ActiveSources != 1 {
		t.Errorf("expected only the unrelated source left: %+v", s.Stats())
	}
	refs := s.DrainPendingReleases()
	if len(refs) != 1 || refs[0].Sound() != a {
		t.Fatalf("expected a's ref handed back, got %d refs", len(refs))
	}
	refs[0].Release()
}

func TestResetStopsEverything(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	snd := testSound(t, st, "blip")

	s.PlaySound(snd.Acquire(), PlayParams{})
	s.PlaySound(snd.Acquire(), PlayParams{})
	s.SetListenerPosition(audio.Vector3{X: 5, Y: 1, Z: 2})
	s.Reset()
	syncLoop(t, s)

	if s.Stats().ActiveSources != 0 {
		t.Errorf("sources survived reset: %+v", s.Stats())
	}
	backend.mu.Lock()
	listener := backend.listener
	backend.mu.Unlock()
	if listener != (audio.Vector3{}) {
		t.Errorf("listener not recentered: %+v", listener)
	}

	// The server stays usable after reset.
	if _, ok := s.PlaySound(snd.Acquire(), PlayParams{}); !ok {
		t.Error("play rejected after reset")
	}
}

func TestConcurrentPlaysGetUniqueHandles(t *testing.T) {
	s, _, st := newTestServer(t, 64)
	snd := testSound(t, st, "blip")

	const producers = 8
	const perProducer = 8

	var mu sync.Mutex
	seen := make(map[PlayID]bool)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				id, ok := s.PlaySound(snd.Acquire(), PlayParams{})
				if !ok {
					t.Error("play rejected with free capacity")
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate handle %v", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	syncLoop(t, s)

	if got := s.Stats().Played; got != producers*perProducer {
		t.Errorf("expected %d plays, got %d", producers*perProducer, got)
	}
}

func TestDeferredLoadsRunOnTicks(t *testing.T) {
	s, _, st := newTestServer(t, 4)

	samples := []byte{0, 0, 1, 0}
	path := filepath.Join(t.TempDir(), "late.pcm")
	if err := os.WriteFile(path, samples, 0644); err != nil {
		t.Fatal(err)
	}

	loaded := make(chan error, 1)
	st.QueueLoad("late", path, false, func(snd *assets.Sound, err error) {
		loaded <- err
	})
	s.HavePendingLoads()

	select {
	case err := <-loaded:
		if err != nil {
			t.Fatalf("deferred load failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred load never ran")
	}
	if _, ok := st.Get("late"); !ok {
		t.Error("loaded sound not registered")
	}
}

func TestPlayFailureHandsRefBack(t *testing.T) {
	s, backend, st := newTestServer(t, 4)
	snd := testSound(t, st, "blip")

	backend.mu.Lock()
	backend.failPlay = true
	backend.mu.Unlock()

	_, ok := s.PlaySound(snd.Acquire(), PlayParams{})
	if !ok {
		t.Fatal("expected handle before the backend failure surfaced")
	}
	syncLoop(t, s)

	stats := s.Stats()
	if stats.Played != 0 || stats.Dropped != 1 {
		t.Errorf("failed play miscounted: %+v", stats)
	}
	if refs := s.DrainPendingReleases(); len(refs) != 1 {
		t.Errorf("failed play's ref not handed back, got %d", len(refs))
	}

	// The slot must be reusable afterwards.
	backend.mu.Lock()
	backend.failPlay = false
	backend.mu.Unlock()
	if _, ok := s.PlaySound(snd.Acquire(), PlayParams{}); !ok {
		t.Error("slot not recycled after failed play")
	}
}

func TestManySequentialPlaysRecycleCleanly(t *testing.T) {
	s, _, st := newTestServer(t, 2)
	snd := testSound(t, st, "blip")

	for i := 0; i < 20; i++ {
		id, ok := s.PlaySound(snd.Acquire(), PlayParams{})
		if !ok {
			t.Fatalf("play %d rejected", i)
		}
		s.StopSound(id)
	}
	syncLoop(t, s)

	stats := s.Stats()
	if stats.ActiveSources != 0 {
		t.Errorf("sources leaked: %+v", stats)
	}
	if stats.Played+stats.Dropped != 20 {
		t.Errorf("play accounting off: %+v", stats)
	}

	for _, ref := range s.DrainPendingReleases() {
		ref.Release()
	}
	if snd.Refs() != 0 {
		t.Errorf("expected all refs returned, got %d", snd.Refs())
	}
}

func TestStatsString(t *testing.T) {
	s, _, _ := newTestServer(t, 4)
	got := fmt.Sprintf("%+v", s.Stats())
	if got == "" {
		t.Fatal("empty stats")
	}
}
