// ABOUTME: Entry point for the Cadenza audio engine
// ABOUTME: Parses CLI flags and starts the engine, control endpoint and TUI
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Cadenza-Audio/cadenza-go/internal/app"
	"github.com/Cadenza-Audio/cadenza-go/internal/discovery"
	"github.com/Cadenza-Audio/cadenza-go/internal/remote"
	"github.com/Cadenza-Audio/cadenza-go/internal/ui"
	"github.com/Cadenza-Audio/cadenza-go/internal/version"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

var (
	outputName  = flag.String("output", "oto", "Audio output backend (oto or malgo)")
	voices      = flag.Int("voices", 32, "Mixer voice count")
	sampleRate  = flag.Int("sample-rate", 48000, "Engine sample rate")
	controlAddr = flag.String("control", ":8930", "Control endpoint listen address (empty to disable)")
	useMDNS     = flag.Bool("mdns", true, "Advertise the control endpoint via mDNS")
	name        = flag.String("name", "", "Instance name for mDNS (default: hostname-cadenza)")
	soundsDir   = flag.String("sounds", "", "Directory of sound files to preload")
	logFile     = flag.String("log-file", "cadenza.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	streamLogs  = flag.Bool("stream-logs", false, "Alias for -no-tui")
)

// statsSink forwards engine stats to the TUI once it exists.
type statsSink struct {
	mu   sync.Mutex
	prog *tea.Program
}

func (s *statsSink) set(p *tea.Program) {
	s.mu.Lock()
	s.prog = p
	s.mu.Unlock()
}

func (s *statsSink) push(stats sndserver.Stats) {
	s.mu.Lock()
	p := s.prog
	s.mu.Unlock()
	if p != nil {
		p.Send(ui.StatusMsg{Stats: &stats})
	}
}

func main() {
	flag.Parse()

	useTUI := !(*noTUI || *streamLogs)

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
		log.Printf("Starting %s %s", version.Product, version.Version)
	}

	sink := &statsSink{}
	engine, err := app.New(app.Config{
		OutputBackend: *outputName,
		Voices:        *voices,
		SampleRate:    *sampleRate,
		OnStats:       sink.push,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	if *soundsDir != "" {
		if n, err := preloadSounds(engine, *soundsDir); err != nil {
			log.Fatalf("Failed to preload sounds from %s: %v", *soundsDir, err)
		} else {
			log.Printf("Preloaded %d sounds from %s", n, *soundsDir)
		}
	}

	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	var ctl *remote.Server
	if *controlAddr != "" {
		ctl = remote.New(engine, *controlAddr)
		if err := ctl.Start(); err != nil {
			log.Fatalf("Failed to start control endpoint: %v", err)
		}
	}

	var disc *discovery.Manager
	if *useMDNS && ctl != nil {
		port := controlPort(ctl.Addr())
		disc = discovery.NewManager(discovery.Config{ServiceName: *name, Port: port})
		if err := disc.Advertise(); err != nil {
			log.Printf("mDNS advertisement failed: %v", err)
			disc = nil
		}
	}

	var tuiProg *tea.Program
	var control *ui.Control
	if useTUI {
		control = ui.NewControl()
		tuiProg, err = ui.Run(control)
		if err != nil {
			log.Fatalf("Failed to start TUI: %v", err)
		}
		sink.set(tuiProg)
		go func() { _, _ = tuiProg.Run() }()
		go handleControlEvents(engine, control)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if control != nil {
		select {
		case <-control.Quit:
			log.Printf("Received quit signal from TUI")
		case <-sigChan:
			log.Printf("Shutdown signal received")
		}
	} else {
		<-sigChan
		log.Printf("Shutdown signal received")
	}

	if disc != nil {
		disc.Stop()
	}
	if ctl != nil {
		ctl.Stop()
	}
	engine.Shutdown()
	if tuiProg != nil {
		tuiProg.Quit()
	}

	log.Printf("Engine stopped")
}

// handleControlEvents applies TUI volume and suspend events to the engine.
func handleControlEvents(engine *app.Engine, control *ui.Control) {
	for {
		select {
		case change := <-control.Volumes:
			log.Printf("Volume change: music=%.0f%% sound=%.0f%%", change.Music*100, change.Sound*100)
			engine.Server().SetVolumes(change.Music, change.Sound)
		case suspend := <-control.Suspend:
			if suspend {
				engine.SuspendApp()
			} else {
				engine.ResumeApp()
			}
		case <-control.Quit:
			return
		}
	}
}

// preloadSounds registers every decodable file in dir under its base name.
// Files larger than a megabyte are registered as streamed sounds.
func preloadSounds(engine *app.Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".mp3", ".flac", ".pcm", ".raw":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		soundName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		info, err := entry.Info()
		if err != nil {
			return count, err
		}

		if info.Size() > 1<<20 {
			_, err = engine.Store().LoadStreaming(soundName, path)
		} else {
			_, err = engine.Store().Load(soundName, path)
		}
		if err != nil {
			return count, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}

func controlPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
