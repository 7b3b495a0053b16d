// Package codec owns opus decoding for the receive pipeline. Decoders are
// stateful per speaker, so the receiver borrows one per active transmission
// from an Engine and returns it when the speaker goes quiet.
package codec

import (
	"errors"
	"sync"
)

// Audio parameters of the voice data plane. Every transmission is 48kHz
// stereo opus in 20ms frames, though decoders must tolerate up to 120ms.
const (
	SampleRate      = 48000
	Channels        = 2
	FrameSamples    = 960  // 20ms per channel
	MaxFrameSamples = 5760 // 120ms per channel, the opus maximum
)

var ErrEngineClosed = errors.New("codec: engine closed")

// Decoder turns one opus frame into interleaved PCM. Implementations are
// not safe for concurrent use; each belongs to exactly one speaker at a
// time. Destroy releases the decoder and must be called exactly once.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
	Destroy()
}

// Engine hands out decoders.
type Engine interface {
	Fetch() (Decoder, error)
	Close()
}

// Pool is an Engine that recycles decoder instances. Construction of a
// native decoder is not free, and speakers start and stop often enough in
// a busy channel that reuse pays for itself.
type Pool struct {
	mu      sync.Mutex
	factory func() (Decoder, error)
	free    []Decoder
	closed  bool
	maxIdle int

	fetches int
	reuses  int
}

// NewPool builds a pool around a decoder factory. NewEngine wires in the
// native factory; tests substitute their own.
func NewPool(factory func() (Decoder, error)) *Pool {
	return &Pool{factory: factory, maxIdle: 16}
}

// Fetch returns an idle decoder or constructs a fresh one. The returned
// decoder's Destroy puts it back in the pool instead of discarding it.
func (p *Pool) Fetch() (Decoder, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrEngineClosed
	}
	p.fetches++
	if n := len(p.free); n > 0 {
		d := p.free[n-1]
		p.free = p.free[:n-1]
		p.reuses++
		p.mu.Unlock()
		return &pooled{inner: d, pool: p}, nil
	}
	p.mu.Unlock()

	d, err := p.factory()
	if err != nil {
		return nil, err
	}
	return &pooled{inner: d, pool: p}, nil
}

// Close discards all idle decoders. Borrowed decoders are discarded for
// real as they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.closed = true
	p.mu.Unlock()
	for _, d := range free {
		d.Destroy()
	}
}

// Stats reports total fetches and how many were served from the free list.
func (p *Pool) Stats() (fetches, reuses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches, p.reuses
}

func (p *Pool) release(d Decoder) {
	p.mu.Lock()
	if p.closed || len(p.free) >= p.maxIdle {
		p.mu.Unlock()
		d.Destroy()
		return
	}
	p.free = append(p.free, d)
	p.mu.Unlock()
}

// pooled routes Destroy back to the pool and makes double-Destroy a no-op.
type pooled struct {
	inner Decoder
	pool  *Pool
	done  bool
}

func (w *pooled) Decode(frame []byte) ([]int16, error) {
	return w.inner.Decode(frame)
}

func (w *pooled) Destroy() {
	if w.done {
		return
	}
	w.done = true
	w.pool.release(w.inner)
}
