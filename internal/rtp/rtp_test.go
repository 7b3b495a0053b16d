package rtp

import (
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// TestParseHeaderAgainstPion marshals a header with pion/rtp and checks the
// local parser reads back the same fields.
func TestParseHeaderAgainstPion(t *testing.T) {
	ph := &pionrtp.Header{
		Version:        2,
		PayloadType:    0x78,
		SequenceNumber: 4242,
		Timestamp:      960000,
		SSRC:           0xDEADBEEF,
	}
	buf, err := ph.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, HeaderLen)

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, byte(TypeVoice), h.Version)
	require.Equal(t, byte(0x78), h.Type)
	require.Equal(t, uint16(4242), h.Sequence)
	require.Equal(t, uint32(960000), h.Timestamp)
	require.Equal(t, uint32(0xDEADBEEF), h.SSRC)
	require.False(t, h.Speaking())

	// The server sets the extension bit on packets of an active
	// transmission; first byte becomes 0x90.
	buf[0] |= 0x10
	h, err = ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, byte(TypeVoiceExtension), h.Version)
	require.True(t, h.Speaking())
}

// TestParseHeaderShort verifies truncated datagrams are rejected.
func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderLen-1))
	require.ErrorIs(t, err, ErrShortPacket)
}

// TestIsRTCP verifies report packets muxed onto the voice port are detected
// by their packet type byte.
func TestIsRTCP(t *testing.T) {
	pkt := make([]byte, HeaderLen)
	pkt[1] = 200
	require.True(t, IsRTCP(pkt))
	pkt[1] = 201
	require.True(t, IsRTCP(pkt))
	pkt[1] = 0x78
	require.False(t, IsRTCP(pkt))
	require.False(t, IsRTCP([]byte{0x80}))
}

// TestStripHeaderExtension walks the documented element encoding: a length
// byte consumed first, 1+low-nibble data bytes per non-padding element,
// padding bytes standing alone, and one trailing byte after the block.
func TestStripHeaderExtension(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{
			name: "no marker passes through",
			in:   []byte{0xF8, 0xFF, 0xFE, 0x01, 0x02},
			want: []byte{0xF8, 0xFF, 0xFE, 0x01, 0x02},
		},
		{
			name: "marker but no room passes through",
			in:   []byte{0xBE, 0xDE, 0x00, 0x01},
			want: []byte{0xBE, 0xDE, 0x00, 0x01},
		},
		{
			name: "single element",
			in:   []byte{0xBE, 0xDE, 0x00, 0x01, 0x10, 0xAA, 0x00, 0xF1, 0xF2, 0xF3},
			want: []byte{0xF1, 0xF2, 0xF3},
		},
		{
			name: "padding then element",
			in:   []byte{0xBE, 0xDE, 0x00, 0x02, 0x00, 0x21, 0xD0, 0xD1, 0x55, 0xF1, 0xF2},
			want: []byte{0xF1, 0xF2},
		},
		{
			name: "two elements",
			in: []byte{
				0xBE, 0xDE, 0x00, 0x02,
				0x10, 0xAA,
				0x32, 0xB0, 0xB1, 0xB2,
				0x00,
				0xF1,
			},
			want: []byte{0xF1},
		},
		{
			name: "block consumes whole payload",
			in:   []byte{0xBE, 0xDE, 0x00, 0x01, 0x10, 0xAA, 0x00},
			want: nil,
		},
		{
			name: "overrunning count yields empty frame",
			in:   []byte{0xBE, 0xDE, 0xFF, 0xFF, 0x01, 0x02, 0x03},
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, StripHeaderExtension(tc.in))
		})
	}
}
