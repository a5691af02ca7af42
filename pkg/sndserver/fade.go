// ABOUTME: Per-play fade-out bookkeeping
// ABOUTME: Fades accumulate elapsed time from tick deltas so suspension freezes them
package sndserver

import "time"

// fadeNode tracks one in-progress fade-out, keyed by play-id in the server's
// fade table. Elapsed time is accumulated from per-tick deltas rather than a
// wall-clock start stamp, so time spent suspended does not advance a fade.
type fadeNode struct {
	duration  time.Duration
	elapsed   time.Duration
	startGain float64
}

func (s *Server) execFadeSoundOut(id PlayID, d time.Duration) {
	if s.shuttingDown {
		return
	}
	src := s.findPlaying(id)
	if src == nil {
		return
	}
	if _, fading := s.fades[id]; fading {
		// The first fade wins; a second request cannot shorten it.
		return
	}
	if d <= 0 {
		s.finishSource(src, endStopped)
		s.refreshGauges()
		return
	}
	if len(s.fades) == 0 {
		s.lastFadeProcess = time.Now()
	}
	s.fades[id] = &fadeNode{duration: d, startGain: src.fade}
	src.state = sourceFading
	s.refreshGauges()
	s.updateTimerInterval()
}

// processSoundFades advances every active fade by the time elapsed since the
// previous tick, retiring sources whose fades have run out.
func (s *Server) processSoundFades(now time.Time) {
	delta := now.Sub(s.lastFadeProcess)
	s.lastFadeProcess = now
	if len(s.fades) == 0 {
		return
	}

	for id, node := range s.fades {
		src := s.findPlaying(id)
		if src == nil {
			delete(s.fades, id)
			continue
		}
		node.elapsed += delta
		if node.elapsed >= node.duration {
			s.finishSource(src, endStopped)
			continue
		}
		frac := float64(node.elapsed) / float64(node.duration)
		src.fade = node.startGain * (1 - frac)
		s.backend.SetGain(src.voice, s.effectiveGain(src))
	}
}
