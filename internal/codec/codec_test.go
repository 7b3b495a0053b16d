package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDecoder counts lifecycle calls so pool behavior is observable.
type fakeDecoder struct {
	id        int
	decoded   int
	destroyed bool
}

func (f *fakeDecoder) Decode(frame []byte) ([]int16, error) {
	f.decoded++
	return make([]int16, FrameSamples*Channels), nil
}
func (f *fakeDecoder) Destroy() { f.destroyed = true }

func newFakeFactory() (func() (Decoder, error), *[]*fakeDecoder) {
	made := &[]*fakeDecoder{}
	return func() (Decoder, error) {
		d := &fakeDecoder{id: len(*made)}
		*made = append(*made, d)
		return d, nil
	}, made
}

// TestPoolReusesDecoders verifies a returned decoder is handed out again
// instead of constructing a new one.
func TestPoolReusesDecoders(t *testing.T) {
	factory, made := newFakeFactory()
	p := NewPool(factory)

	d1, err := p.Fetch()
	require.NoError(t, err)
	_, err = d1.Decode([]byte{0xFC})
	require.NoError(t, err)
	d1.Destroy()
	d1.Destroy() // second destroy is a no-op

	d2, err := p.Fetch()
	require.NoError(t, err)
	defer d2.Destroy()

	require.Len(t, *made, 1, "second fetch should reuse the pooled instance")
	require.False(t, (*made)[0].destroyed, "pooled instance must stay alive")

	fetches, reuses := p.Stats()
	require.Equal(t, 2, fetches)
	require.Equal(t, 1, reuses)
}

// TestPoolGrowsUnderLoad verifies concurrent-style demand constructs
// distinct decoders rather than sharing state.
func TestPoolGrowsUnderLoad(t *testing.T) {
	factory, made := newFakeFactory()
	p := NewPool(factory)

	d1, err := p.Fetch()
	require.NoError(t, err)
	d2, err := p.Fetch()
	require.NoError(t, err)
	require.Len(t, *made, 2)

	d1.Destroy()
	d2.Destroy()
	d3, err := p.Fetch()
	require.NoError(t, err)
	d3.Destroy()
	require.Len(t, *made, 2, "both returns should be served from the free list")
}

// TestPoolClose verifies idle decoders are torn down, later returns are
// discarded and fetch-after-close fails.
func TestPoolClose(t *testing.T) {
	factory, made := newFakeFactory()
	p := NewPool(factory)

	d1, err := p.Fetch()
	require.NoError(t, err)
	d2, err := p.Fetch()
	require.NoError(t, err)
	d1.Destroy() // back on the free list

	p.Close()
	require.True(t, (*made)[0].destroyed, "idle decoder should be destroyed on close")

	d2.Destroy() // returned after close; discarded for real
	require.True(t, (*made)[1].destroyed)

	_, err = p.Fetch()
	require.ErrorIs(t, err, ErrEngineClosed)
}

// TestPoolFactoryError verifies factory failures surface to the caller.
func TestPoolFactoryError(t *testing.T) {
	want := errors.New("no codec here")
	p := NewPool(func() (Decoder, error) { return nil, want })
	_, err := p.Fetch()
	require.ErrorIs(t, err, want)
}
