package stream

import (
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/petems/vinylcast/internal/config"
)

// Control is the text message sent to websocket clients when a session
// opens or closes.
type Control struct {
	Type       string `json:"type"`
	Codec      string `json:"codec,omitempty"`
	SampleRate uint32 `json:"sample_rate,omitempty"`
	BitDepth   uint8  `json:"bit_depth,omitempty"`
	Channels   uint8  `json:"channels,omitempty"`
}

// Tap announces capture sessions to the hub and, for the pcm codec,
// forwards every chunk as a binary message. With any other codec the audio
// is expected to reach the hub from an encoder.
type Tap struct {
	capture.NopListener

	hub   *Hub
	codec string
}

func NewTap(hub *Hub, codec string) *Tap {
	return &Tap{hub: hub, codec: codec}
}

func (t *Tap) OnSessionCreated(format audio.Format, _ int) error {
	return t.hub.BroadcastJSON(Control{
		Type:       "session",
		Codec:      t.codec,
		SampleRate: format.SampleRate,
		BitDepth:   format.BitDepth,
		Channels:   format.Channels,
	})
}

func (t *Tap) OnData(buf []byte, offset, length int) error {
	if t.codec != config.WebsocketPCM {
		return nil
	}
	data := make([]byte, length)
	copy(data, buf[offset:offset+length])
	t.hub.Broadcast(data)
	return nil
}

func (t *Tap) OnClosed() error {
	return t.hub.BroadcastJSON(Control{Type: "closed"})
}
