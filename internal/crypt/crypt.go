// Package crypt implements the xsalsa20_poly1305 framing used on the voice
// data plane. The three negotiated modes differ only in where the 24-byte
// secretbox nonce comes from and which bytes of the datagram form the
// ciphertext; the RTP header always stays in the clear.
package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/discord-voice-lab/voicewire/internal/rtp"
	"github.com/discord-voice-lab/voicewire/internal/session"
)

// NonceLen is the secretbox nonce size shared by every mode.
const NonceLen = 24

// Overhead is the poly1305 tag appended to each sealed payload.
const Overhead = secretbox.Overhead

// LiteNonceLen is the truncated nonce suffix carried by lite-mode packets.
const LiteNonceLen = 4

var (
	ErrAuth     = errors.New("crypt: packet authentication failed")
	ErrTooShort = errors.New("crypt: packet too short for mode")
)

// NonceFor derives the nonce for one datagram according to mode. Unknown or
// empty modes fall back to the legacy header-derived nonce, which fails
// authentication on anything but legacy traffic and gets the packet dropped
// as a transient warning.
func NonceFor(mode string, pkt []byte) ([NonceLen]byte, error) {
	var nonce [NonceLen]byte
	switch mode {
	case session.ModeSuffix:
		if len(pkt) < rtp.HeaderLen+NonceLen {
			return nonce, fmt.Errorf("%w: %s needs %d trailing nonce bytes", ErrTooShort, mode, NonceLen)
		}
		copy(nonce[:], pkt[len(pkt)-NonceLen:])
	case session.ModeLite:
		if len(pkt) < rtp.HeaderLen+LiteNonceLen {
			return nonce, fmt.Errorf("%w: %s needs %d trailing nonce bytes", ErrTooShort, mode, LiteNonceLen)
		}
		copy(nonce[:LiteNonceLen], pkt[len(pkt)-LiteNonceLen:])
	default:
		// Legacy: the RTP header zero-padded out to nonce size.
		copy(nonce[:rtp.HeaderLen], pkt[:rtp.HeaderLen])
	}
	return nonce, nil
}

// ciphertext returns the sealed region of pkt for mode.
func ciphertext(mode string, pkt []byte) []byte {
	switch mode {
	case session.ModeSuffix:
		return pkt[rtp.HeaderLen : len(pkt)-NonceLen]
	case session.ModeLite:
		return pkt[rtp.HeaderLen : len(pkt)-LiteNonceLen]
	default:
		return pkt[rtp.HeaderLen:]
	}
}

// Open authenticates and decrypts the voice payload of one datagram. The
// returned plaintext still carries any RTP header extension block; callers
// strip that separately.
func Open(mode string, key [session.KeyLen]byte, pkt []byte) ([]byte, error) {
	if len(pkt) < rtp.HeaderLen {
		return nil, ErrTooShort
	}
	nonce, err := NonceFor(mode, pkt)
	if err != nil {
		return nil, err
	}
	box := ciphertext(mode, pkt)
	if len(box) < Overhead {
		return nil, fmt.Errorf("%w: %d ciphertext bytes", ErrTooShort, len(box))
	}
	plain, ok := secretbox.Open(nil, box, &nonce, &key)
	if !ok {
		return nil, ErrAuth
	}
	return plain, nil
}

// Sealer produces datagrams that Open accepts. The receive path never seals
// anything; tests and send paths do. Lite mode keeps the running nonce
// counter a real sender would.
type Sealer struct {
	mode string
	key  [session.KeyLen]byte
	seq  atomic.Uint32
}

func NewSealer(mode string, key [session.KeyLen]byte) *Sealer {
	return &Sealer{mode: mode, key: key}
}

// Seal wraps payload in a datagram under the sealer's mode: the 12-byte
// header in the clear, the sealed payload, and any trailing nonce bytes the
// mode calls for.
func (s *Sealer) Seal(header, payload []byte) ([]byte, error) {
	if len(header) != rtp.HeaderLen {
		return nil, fmt.Errorf("crypt: header must be %d bytes, got %d", rtp.HeaderLen, len(header))
	}
	var nonce [NonceLen]byte
	var trailer []byte
	switch s.mode {
	case session.ModeSuffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("crypt: nonce: %w", err)
		}
		trailer = nonce[:]
	case session.ModeLite:
		n := s.seq.Add(1)
		binary.BigEndian.PutUint32(nonce[:LiteNonceLen], n)
		trailer = nonce[:LiteNonceLen]
	default:
		copy(nonce[:rtp.HeaderLen], header)
	}
	out := make([]byte, 0, rtp.HeaderLen+len(payload)+Overhead+len(trailer))
	out = append(out, header...)
	out = secretbox.Seal(out, payload, &nonce, &s.key)
	out = append(out, trailer...)
	return out, nil
}
