package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// OpusFrameSamples is the frame size (samples per channel) gopus expects for
// 48kHz mono, 20ms frames — the interval LiveKit tracks publish at.
const OpusFrameSamples = 960 // 48000 * 0.020

// OpusCodec encodes outbound PCM16 to Opus for the published track and
// decodes inbound Opus when the transport hands us encoded RTP payloads
// rather than already-decoded PCM16.
//
// Grounded on MrWong99-glyphoxa and teslashibe-go-reachy, both of which
// depend on gopus for their own voice pipelines.
type OpusCodec struct {
	enc *gopus.Encoder
	dec *gopus.Decoder
}

// NewOpusCodec builds an encoder/decoder pair for mono audio at sampleRate.
func NewOpusCodec(sampleRate int) (*OpusCodec, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encoder init: %w", err)
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder init: %w", err)
	}
	return &OpusCodec{enc: enc, dec: dec}, nil
}

// Encode compresses one frame of exactly OpusFrameSamples PCM16 samples.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != OpusFrameSamples {
		return nil, fmt.Errorf("audio: opus encode requires %d samples, got %d", OpusFrameSamples, len(pcm))
	}
	return c.enc.Encode(pcm, OpusFrameSamples, OpusFrameSamples*2)
}

// Decode expands an Opus packet back to PCM16 samples.
func (c *OpusCodec) Decode(packet []byte) ([]int16, error) {
	return c.dec.Decode(packet, OpusFrameSamples, false)
}
