// Package stream serves captured audio over HTTP: a live WAV stream for one
// client, a websocket fan-out, session status and the diagnostic spool.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/pipe"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// WAVWriter dumps buffered audio as a WAV file.
type WAVWriter interface {
	WriteWAV(w io.Writer) error
}

type Config struct {
	Addr string
	// ClientQueue is the number of chunks buffered for the stream client.
	ClientQueue int
	// Hub serves /ws when set.
	Hub *Hub
	// Spool serves /debug/spool.wav when set.
	Spool WAVWriter
	// Status is encoded as JSON on /status.
	Status func() any
	Logger zerolog.Logger
}

type listener struct {
	chunks chan []byte
}

// Server is the consumer of the capture pipe. Consume drains the reader end
// whether or not anybody listens; chunks are copied to the single attached
// /stream.wav client and dropped when that client falls behind.
type Server struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	format   audio.Format
	live     bool
	listener *listener

	consumed  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewServer(cfg Config) *Server {
	if cfg.ClientQueue < 1 {
		cfg.ClientQueue = 1
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "stream").Logger(),
	}
}

// Consume reads r until the writer closes it or ctx ends. Cancelling ctx
// closes r, which stops the producer on its next write.
func (s *Server) Consume(ctx context.Context, r *pipe.Reader, format audio.Format) error {
	s.mu.Lock()
	s.format = format
	s.live = true
	s.mu.Unlock()
	defer s.endSession()

	s.log.Debug().Str("format", format.String()).Int("capacity", r.Cap()).Msg("Consuming capture pipe")

	buf := make([]byte, r.Cap())
	for {
		n, err := r.ReadContext(ctx, buf)
		if n > 0 {
			s.consumed.Add(int64(n))
			s.deliver(buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, pipe.ErrClosed):
			return nil
		case ctx.Err() != nil:
			_ = r.Close()
			return nil
		default:
			_ = r.Close()
			return fmt.Errorf("stream: read pipe: %w", err)
		}
	}
}

func (s *Server) deliver(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case s.listener.chunks <- chunk:
		s.delivered.Add(int64(len(chunk)))
	default:
		if s.dropped.Add(int64(len(chunk))) == int64(len(chunk)) {
			s.log.Warn().Msg("Stream client too slow, dropping audio")
		}
	}
}

// endSession ends the attached client's response; its WAV header only
// describes the session that just finished.
func (s *Server) endSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = false
	if s.listener != nil {
		close(s.listener.chunks)
		s.listener = nil
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream.wav", s.handleStream)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/debug/spool.wav", s.handleSpool)
	if s.cfg.Hub != nil {
		mux.Handle("/ws", s.cfg.Hub)
	}
	return mux
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		http.Error(w, "not capturing", http.StatusServiceUnavailable)
		return
	}
	if s.listener != nil {
		s.mu.Unlock()
		http.Error(w, "stream already has a listener", http.StatusConflict)
		return
	}
	l := &listener{chunks: make(chan []byte, s.cfg.ClientQueue)}
	s.listener = l
	format := s.format
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
	}()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("Stream client attached")
	defer func() {
		s.log.Info().Str("remote", r.RemoteAddr).Msg("Stream client detached")
	}()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-cache")
	if err := audio.WriteWAVHeader(w, format, audio.StreamingDataSize); err != nil {
		return
	}
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-l.chunks:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				s.log.Debug().Err(err).Msg("Stream client write failed")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status any = s.Stats()
	if s.cfg.Status != nil {
		status = s.cfg.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write status")
	}
}

func (s *Server) handleSpool(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Spool == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="spool.wav"`)
	if err := s.cfg.Spool.WriteWAV(w); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write spool")
	}
}

// Stats describes what the server has moved.
type Stats struct {
	Live           bool  `json:"live"`
	Listening      bool  `json:"listening"`
	ConsumedBytes  int64 `json:"consumed_bytes"`
	DeliveredBytes int64 `json:"delivered_bytes"`
	DroppedBytes   int64 `json:"dropped_bytes"`
	WSClients      int   `json:"ws_clients"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{Live: s.live, Listening: s.listener != nil}
	s.mu.Unlock()
	st.ConsumedBytes = s.consumed.Load()
	st.DeliveredBytes = s.delivered.Load()
	st.DroppedBytes = s.dropped.Load()
	if s.cfg.Hub != nil {
		st.WSClients = s.cfg.Hub.Clients()
	}
	return st
}

// URL returns the address a local player can open.
func (s *Server) URL() string {
	host, port, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return "http://" + s.cfg.Addr + "/stream.wav"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/stream.wav"
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("stream: listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.cfg.Hub != nil {
			s.cfg.Hub.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown")
			srv.Close()
		}
	})
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Stream server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stream: serve: %w", err)
	}
	return nil
}
