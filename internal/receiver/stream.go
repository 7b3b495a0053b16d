package receiver

import (
	"sync"

	"github.com/google/uuid"
)

// OpusStream delivers the undecoded frames of one user's transmissions.
// The pipeline pushes without blocking; when the buffer is full the frame
// is dropped so a slow consumer loses audio instead of stalling the socket
// pump.
type OpusStream struct {
	ID     string
	UserID string

	mu    sync.Mutex
	ch    chan []byte
	ended bool
}

func newOpusStream(userID string, buffer int) *OpusStream {
	return &OpusStream{ID: uuid.NewString(), UserID: userID, ch: make(chan []byte, buffer)}
}

// C is the frame channel. It closes when the receiver ends the stream.
func (s *OpusStream) C() <-chan []byte { return s.ch }

// Ended reports whether the receiver has closed the stream.
func (s *OpusStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *OpusStream) push(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

func (s *OpusStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.ch)
}

// PCMStream delivers one user's decoded 48kHz stereo frames with the same
// buffering and drop behavior as OpusStream.
type PCMStream struct {
	ID     string
	UserID string

	mu    sync.Mutex
	ch    chan []int16
	ended bool
}

func newPCMStream(userID string, buffer int) *PCMStream {
	return &PCMStream{ID: uuid.NewString(), UserID: userID, ch: make(chan []int16, buffer)}
}

// C is the sample channel. It closes when the receiver ends the stream.
func (s *PCMStream) C() <-chan []int16 { return s.ch }

// Ended reports whether the receiver has closed the stream.
func (s *PCMStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *PCMStream) push(pcm []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- pcm:
		return true
	default:
		return false
	}
}

func (s *PCMStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.ch)
}
