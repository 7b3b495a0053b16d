// Package session holds the state one voice connection shares between the
// control channel and the packet receiver: the negotiated encryption
// parameters and the SSRC to user mapping. The gateway writes, the receiver
// reads, both concurrently.
package session

import "sync"

// Encryption modes the voice server may negotiate. Lite is preferred when
// offered; legacy is the fallback every server supports.
const (
	ModeLegacy = "xsalsa20_poly1305"
	ModeSuffix = "xsalsa20_poly1305_suffix"
	ModeLite   = "xsalsa20_poly1305_lite"
)

// KeyLen is the secretbox key size delivered in the session description.
const KeyLen = 32

// State is safe for concurrent use. The zero secret (empty mode, zero key)
// simply fails authentication on every packet until a session description
// arrives, which is the desired behavior.
type State struct {
	mu    sync.RWMutex
	mode  string
	key   [KeyLen]byte
	users map[uint32]string
}

func NewState() *State {
	return &State{users: make(map[uint32]string)}
}

// SetSecret installs the encryption mode and key from a session
// description, replacing any previous values.
func (s *State) SetSecret(mode string, key [KeyLen]byte) {
	s.mu.Lock()
	s.mode = mode
	s.key = key
	s.mu.Unlock()
}

// Secret returns the current mode and key.
func (s *State) Secret() (string, [KeyLen]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.key
}

// Mode returns the negotiated encryption mode, empty until negotiation.
func (s *State) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// MapSSRC records that packets carrying ssrc belong to userID. Later
// announcements overwrite earlier ones.
func (s *State) MapSSRC(ssrc uint32, userID string) {
	s.mu.Lock()
	s.users[ssrc] = userID
	s.mu.Unlock()
}

// UserFor resolves an SSRC to a user id.
func (s *State) UserFor(ssrc uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[ssrc]
	return u, ok
}

// SSRCFor finds the SSRC currently mapped to userID. Linear scan; the map
// holds one entry per participant in a single voice channel.
func (s *State) SSRCFor(userID string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ssrc, u := range s.users {
		if u == userID {
			return ssrc, true
		}
	}
	return 0, false
}

// DropUser removes every SSRC mapped to userID and reports how many entries
// were removed. Used when the server announces a client disconnect.
func (s *State) DropUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ssrc, u := range s.users {
		if u == userID {
			delete(s.users, ssrc)
			n++
		}
	}
	return n
}

// Known reports how many SSRC mappings are present.
func (s *State) Known() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
