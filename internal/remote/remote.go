// ABOUTME: WebSocket remote-control endpoint for the audio engine
// ABOUTME: Accepts JSON commands for playback, volumes, suspend and stats
package remote

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Cadenza-Audio/cadenza-go/internal/app"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

// Command is one JSON control message from a client.
type Command struct {
	Cmd         string  `json:"cmd"`
	Sound       string  `json:"sound,omitempty"`
	ID          uint32  `json:"id,omitempty"`
	Gain        float64 `json:"gain,omitempty"`
	Music       bool    `json:"music,omitempty"`
	Looping     bool    `json:"looping,omitempty"`
	DurationMs  int     `json:"duration_ms,omitempty"`
	MusicVolume float64 `json:"music_volume,omitempty"`
	SoundVolume float64 `json:"sound_volume,omitempty"`
	Pitch       float64 `json:"pitch,omitempty"`
}

// Response answers one command.
type Response struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error,omitempty"`
	ID    uint32           `json:"id,omitempty"`
	Stats *sndserver.Stats `json:"stats,omitempty"`
}

// Server serves the control endpoint at /control.
type Server struct {
	engine   *app.Engine
	httpSrv  *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

// New builds a control server bound to addr. Start begins serving.
func New(engine *app.Engine, addr string) *Server {
	s := &Server{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("remote: listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.listener = ln
	log.Printf("remote: control endpoint on ws://%s/control", ln.Addr())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("remote: serve failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the port was chosen by the OS.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpSrv.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the endpoint down.
func (s *Server) Stop() {
	if err := s.httpSrv.Close(); err != nil {
		log.Printf("remote: close failed: %v", err)
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("remote: upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("remote: client connected from %s", conn.RemoteAddr())

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("remote: client %s dropped: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if err := conn.WriteJSON(s.dispatch(cmd)); err != nil {
			log.Printf("remote: write to %s failed: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) dispatch(cmd Command) Response {
	srv := s.engine.Server()

	switch cmd.Cmd {
	case "play":
		id, ok := s.engine.Play(cmd.Sound, sndserver.PlayParams{
			Gain:    cmd.Gain,
			Music:   cmd.Music,
			Looping: cmd.Looping,
		})
		if !ok {
			return Response{Error: fmt.Sprintf("cannot play %q", cmd.Sound)}
		}
		return Response{OK: true, ID: uint32(id)}

	case "stop":
		srv.StopSound(sndserver.PlayID(cmd.ID))
		return Response{OK: true}

	case "fade":
		srv.FadeSoundOut(sndserver.PlayID(cmd.ID), time.Duration(cmd.DurationMs)*time.Millisecond)
		return Response{OK: true}

	case "volumes":
		srv.SetVolumes(cmd.MusicVolume, cmd.SoundVolume)
		return Response{OK: true}

	case "pitch":
		srv.SetSoundPitch(cmd.Pitch)
		return Response{OK: true}

	case "suspend":
		s.engine.SuspendApp()
		return Response{OK: true}

	case "resume":
		s.engine.ResumeApp()
		return Response{OK: true}

	case "stats":
		stats := s.engine.Stats()
		return Response{OK: true, Stats: &stats}

	default:
		return Response{Error: fmt.Sprintf("unknown command %q", cmd.Cmd)}
	}
}
