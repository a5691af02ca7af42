// ABOUTME: Core audio type definitions
// ABOUTME: Defines sample formats, decoded PCM buffers and 3-D vectors
package audio

import (
	"math"
	"time"
)

// Format describes the layout of interleaved PCM sample data.
type Format struct {
	SampleRate int
	Channels   int
}

// FramesToDuration converts a frame count at this format's rate to wall time.
func (f Format) FramesToDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// PCM holds fully decoded interleaved 16-bit samples.
type PCM struct {
	Format  Format
	Samples []int16
}

// Frames returns the number of sample frames (samples per channel).
func (p *PCM) Frames() int {
	if p.Format.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Format.Channels
}

// Duration returns the playback length of the buffer.
func (p *PCM) Duration() time.Duration {
	return p.Format.FramesToDuration(p.Frames())
}

// ClampInt16 saturates a 32-bit mixing accumulator to the 16-bit sample range.
func ClampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Vector3 is a position or direction in the listener's coordinate space.
type Vector3 struct {
	X, Y, Z float64
}

// Sub returns v - o.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Length returns the vector magnitude.
func (v Vector3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Dot returns the dot product of v and o.
func (v Vector3) Dot(o Vector3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns the cross product of v and o.
func (v Vector3) Cross(o Vector3) Vector3 {
	return Vector3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Normalized returns a unit-length copy, or the zero vector unchanged.
func (v Vector3) Normalized() Vector3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return Vector3{v.X / l, v.Y / l, v.Z / l}
}
