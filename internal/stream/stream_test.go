package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/petems/vinylcast/internal/pipe"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ capture.Listener = (*Tap)(nil)

type fakeSpool struct {
	data []byte
	err  error
}

func (f *fakeSpool) WriteWAV(w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	_, err := w.Write(f.data)
	return err
}

func consume(t *testing.T, s *Server, r *pipe.Reader) <-chan error {
	t.Helper()
	errC := make(chan error, 1)
	go func() { errC <- s.Consume(context.Background(), r, audio.DefaultFormat) }()
	require.Eventually(t, func() bool { return s.Stats().Live }, time.Second, time.Millisecond)
	return errC
}

func TestConsumeDrainsWithoutListener(t *testing.T) {
	s := NewServer(Config{Addr: ":0", Logger: zerolog.Nop()})
	w, r, err := pipe.New(16)
	require.NoError(t, err)

	errC := consume(t, s, r)

	// more than the pipe holds: only succeeds if something is draining
	_, err = w.Write(bytes.Repeat([]byte{1}, 100))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case err := <-errC:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not finish")
	}

	stats := s.Stats()
	assert.False(t, stats.Live)
	assert.Equal(t, int64(100), stats.ConsumedBytes)
	assert.Zero(t, stats.DeliveredBytes)
}

func TestConsumeCancelClosesReader(t *testing.T) {
	s := NewServer(Config{Addr: ":0", Logger: zerolog.Nop()})
	w, r, err := pipe.New(16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- s.Consume(ctx, r, audio.DefaultFormat) }()
	cancel()

	require.NoError(t, <-errC)
	_, err = w.Write([]byte{1})
	assert.ErrorIs(t, err, pipe.ErrClosed)
}

func TestStreamNotCapturing(t *testing.T) {
	s := NewServer(Config{Addr: ":0", Logger: zerolog.Nop()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream.wav")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamDeliversWAV(t *testing.T) {
	s := NewServer(Config{Addr: ":0", ClientQueue: 8, Logger: zerolog.Nop()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	w, r, err := pipe.New(64)
	require.NoError(t, err)
	errC := consume(t, s, r)

	resp, err := http.Get(srv.URL + "/stream.wav")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	header := make([]byte, 44)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(header[:4]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(header[24:28]))
	require.True(t, s.Stats().Listening)

	// only one stream listener at a time
	second, err := http.Get(srv.URL + "/stream.wav")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)

	payload := []byte("0123456789abcdef")
	_, err = w.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// end of session ends the response
	require.NoError(t, w.Close())
	require.NoError(t, <-errC)
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, int64(len(payload)), s.Stats().DeliveredBytes)
}

func TestDeliverDropsWhenListenerFull(t *testing.T) {
	s := NewServer(Config{Addr: ":0", ClientQueue: 1, Logger: zerolog.Nop()})
	l := &listener{chunks: make(chan []byte, 1)}
	s.listener = l

	buf := []byte{1, 2, 3}
	s.deliver(buf)
	s.deliver(buf)
	buf[0] = 9

	assert.Equal(t, int64(3), s.Stats().DeliveredBytes)
	assert.Equal(t, int64(3), s.Stats().DroppedBytes)
	assert.Equal(t, []byte{1, 2, 3}, <-l.chunks)
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(Config{
		Addr:   ":0",
		Status: func() any { return map[string]string{"state": "running"} },
		Logger: zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestStatusEndpointDefaultsToStats(t *testing.T) {
	s := NewServer(Config{Addr: ":0", Logger: zerolog.Nop()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.False(t, stats.Live)
}

func TestSpoolEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		spool      WAVWriter
		wantStatus int
		wantBody   string
	}{
		{"no spool", nil, http.StatusNotFound, ""},
		{"spool", &fakeSpool{data: []byte("RIFFdata")}, http.StatusOK, "RIFFdata"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{Addr: ":0", Spool: tt.spool, Logger: zerolog.Nop()})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/spool.wav", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
				assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestURL(t *testing.T) {
	tests := map[string]string{
		":8080":          "http://localhost:8080/stream.wav",
		"0.0.0.0:9000":   "http://localhost:9000/stream.wav",
		"192.168.1.5:80": "http://192.168.1.5:80/stream.wav",
	}
	for addr, expected := range tests {
		s := NewServer(Config{Addr: addr, Logger: zerolog.Nop()})
		assert.Equal(t, expected, s.URL(), addr)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())

	errC := make(chan error, 1)
	go func() { errC <- s.ListenAndServe(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHubTapForwardsPCM(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	tap := NewTap(hub, "pcm")
	require.NoError(t, tap.OnSessionCreated(audio.DefaultFormat, 4096))
	require.NoError(t, tap.OnData([]byte{0, 1, 2, 3, 4}, 1, 3))
	require.NoError(t, tap.OnClosed())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var control Control
	require.NoError(t, json.Unmarshal(data, &control))
	assert.Equal(t, Control{Type: "session", Codec: "pcm", SampleRate: 48000, BitDepth: 16, Channels: 2}, control)

	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"closed"}`, string(data))
}

func TestTapSkipsPCMForEncodedStreams(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	tap := NewTap(hub, "opus")
	require.NoError(t, tap.OnData([]byte{1, 2}, 0, 2))
	hub.Broadcast([]byte{7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, data)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, time.Millisecond)
}

func TestHubDropsForSlowClient(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	hub.clients["slow"] = &client{id: "slow", send: make(chan message, 1), done: make(chan struct{})}

	hub.Broadcast([]byte{1})
	hub.Broadcast([]byte{2})

	assert.Equal(t, int64(1), hub.Dropped())
	msg := <-hub.clients["slow"].send
	assert.Equal(t, []byte{1}, msg.data)
}
