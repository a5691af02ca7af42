// ABOUTME: Malgo-based audio output implementation
// ABOUTME: Uses the miniaudio library via malgo with a ring-buffer callback
package output

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Malgo output implementation using the miniaudio library.
type Malgo struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	format   audio.Format
	ring     *ringBuffer
	ready    bool
	mu       sync.Mutex
}

// ringBuffer is the thread-safe sample buffer drained by the device callback.
type ringBuffer struct {
	buf      []int16
	readPos  int
	writePos int
	count    int
	mu       sync.Mutex
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]int16, capacity)}
}

func (rb *ringBuffer) write(samples []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for i := 0; i < len(samples) && rb.count < len(rb.buf); i++ {
		rb.buf[rb.writePos] = samples[i]
		rb.writePos = (rb.writePos + 1) % len(rb.buf)
		rb.count++
		written++
	}
	return written
}

// read fills dst, zero-filling on underrun.
func (rb *ringBuffer) read(dst []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := 0
	for i := 0; i < len(dst) && rb.count > 0; i++ {
		dst[i] = rb.buf[rb.readPos]
		rb.readPos = (rb.readPos + 1) % len(rb.buf)
		rb.count--
		n++
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// NewMalgo creates a new Malgo output.
func NewMalgo() Output {
	return &Malgo{}
}

// Open initializes the playback device.
func (m *Malgo) Open(format audio.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil && m.format == format {
		m.ready = true
		return nil
	}
	if m.device != nil {
		m.closeDevice()
	}

	if m.malgoCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize malgo context: %w", err)
		}
		m.malgoCtx = ctx
	}

	// Half a second of buffered audio between writer and callback.
	m.ring = newRingBuffer(format.SampleRate * format.Channels / 2)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			m.dataCallback(pOutput, frameCount, format.Channels)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start device: %w", err)
	}

	m.device = device
	m.format = format
	m.ready = true

	log.Printf("Audio output initialized: %dHz, %d channels (malgo)", format.SampleRate, format.Channels)
	return nil
}

func (m *Malgo) dataCallback(out []byte, frameCount uint32, channels int) {
	samples := make([]int16, int(frameCount)*channels)
	m.ring.read(samples)

	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
}

// Write queues samples, waiting while the ring buffer is full.
func (m *Malgo) Write(samples []int16) error {
	m.mu.Lock()
	ready := m.ready
	ring := m.ring
	m.mu.Unlock()

	if !ready {
		return fmt.Errorf("output not initialized")
	}

	written := 0
	for written < len(samples) {
		n := ring.write(samples[written:])
		written += n
		if n == 0 {
			// Full; the device callback drains continuously.
			time.Sleep(5 * time.Millisecond)
			m.mu.Lock()
			ready = m.ready
			m.mu.Unlock()
			if !ready {
				return fmt.Errorf("output closed during write")
			}
		}
	}
	return nil
}

func (m *Malgo) closeDevice() {
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	m.ready = false
}

// Close stops the device and releases the context.
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeDevice()
	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Printf("malgo context uninit failed: %v", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}
