//go:build !opus

package codec

import "errors"

// Native reports whether this binary carries the libopus bindings. Builds
// without the opus tag run the full pipeline except decoding; fetching a
// decoder fails and the frame is dropped with a decode warning.
const Native = false

var errNoOpus = errors.New("codec: built without libopus; rebuild with -tags opus")

// NewEngine returns a pool whose factory always fails. Keeping the Engine
// shape identical lets the rest of the pipeline not care how the binary
// was built.
func NewEngine() Engine {
	return NewPool(func() (Decoder, error) { return nil, errNoOpus })
}
