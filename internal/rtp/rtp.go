// Package rtp understands just enough of the voice data framing to route
// datagrams: the fixed 12-byte header in the clear and the one-byte header
// extension block that rides inside the encrypted payload.
package rtp

import (
	"encoding/binary"
	"errors"
)

// HeaderLen is the fixed RTP header size on voice datagrams. The header is
// never encrypted; it doubles as nonce material in some modes.
const HeaderLen = 12

// First-byte values observed on voice datagrams. 0x80 is plain version 2;
// 0x90 additionally sets the extension bit and only appears while the
// sender holds an active transmission.
const (
	TypeVoice          = 0x80
	TypeVoiceExtension = 0x90
)

// RTCP packet types muxed onto the same port as voice data.
const (
	rtcpSenderReport   = 200
	rtcpReceiverReport = 201
)

// One-byte extension profile marker, RFC 5285.
const (
	extProfileHigh = 0xBE
	extProfileLow  = 0xDE
)

var ErrShortPacket = errors.New("rtp: packet shorter than header")

// Header is the fixed prefix of a voice datagram.
type Header struct {
	Version   byte // 0x80, or 0x90 while the sender is speaking
	Type      byte // payload type; 0x78 for opus voice
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// ParseHeader reads the fixed header from pkt without touching the payload.
func ParseHeader(pkt []byte) (Header, error) {
	if len(pkt) < HeaderLen {
		return Header{}, ErrShortPacket
	}
	return Header{
		Version:   pkt[0],
		Type:      pkt[1],
		Sequence:  binary.BigEndian.Uint16(pkt[2:4]),
		Timestamp: binary.BigEndian.Uint32(pkt[4:8]),
		SSRC:      binary.BigEndian.Uint32(pkt[8:12]),
	}, nil
}

// Speaking reports whether the header carries the extension-bit variant the
// server uses for packets of an active transmission.
func (h Header) Speaking() bool { return h.Version == TypeVoiceExtension }

// IsRTCP reports whether the datagram is a sender/receiver report muxed
// onto the voice port. Those carry no audio and are discarded early.
func IsRTCP(pkt []byte) bool {
	if len(pkt) < 2 {
		return false
	}
	return pkt[1] == rtcpSenderReport || pkt[1] == rtcpReceiverReport
}

// StripHeaderExtension removes the RFC 5285 one-byte extension block from
// the front of a decrypted payload and returns the bare opus frame. The
// block, when present, starts with the 0xBEDE profile marker and a big
// endian element count. Each element is one length byte plus 1+low-nibble
// data bytes; a zero byte is padding and stands alone. One further byte
// follows the counted elements on the wire and is skipped as well.
//
// Payloads without the marker come back untouched. A malformed block that
// runs past the end of the payload yields an empty frame rather than an
// out-of-range slice.
func StripHeaderExtension(p []byte) []byte {
	if len(p) <= 4 || p[0] != extProfileHigh || p[1] != extProfileLow {
		return p
	}
	count := int(binary.BigEndian.Uint16(p[2:4]))
	off := 4
	for i := 0; i < count && off < len(p); i++ {
		b := p[off]
		off++
		if b == 0 {
			continue
		}
		off += 1 + int(b&0x0F)
	}
	off++
	if off >= len(p) {
		return nil
	}
	return p[off:]
}
