//go:build opus

package codec

import (
	"fmt"

	"github.com/hraban/opus"
)

// Native reports whether this binary carries the libopus bindings.
const Native = true

// NewEngine returns a pool of libopus decoders.
func NewEngine() Engine {
	return NewPool(newOpusDecoder)
}

type opusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

func newOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, buf: make([]int16, MaxFrameSamples*Channels)}, nil
}

func (d *opusDecoder) Decode(frame []byte) ([]int16, error) {
	n, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]int16, n*Channels)
	copy(out, d.buf[:n*Channels])
	return out, nil
}

// Destroy is a no-op; the binding keeps decoder state in Go-managed
// memory, so there is nothing to free by hand.
func (d *opusDecoder) Destroy() {}
