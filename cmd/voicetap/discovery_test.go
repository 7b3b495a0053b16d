package main

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/voicewire/internal/session"
)

// fakeDiscoveryServer answers one discovery request on a loopback UDP
// socket and reports the request it saw.
func fakeDiscoveryServer(t *testing.T, addr string, port uint16, respLen int) (*net.UDPAddr, chan []byte) {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, raddr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		got <- append([]byte(nil), buf[:n]...)

		resp := make([]byte, discoveryLen)
		binary.BigEndian.PutUint16(resp[0:2], 0x2)
		binary.BigEndian.PutUint16(resp[2:4], discoveryBodyLen)
		copy(resp[4:8], buf[4:8])
		copy(resp[8:], addr)
		binary.BigEndian.PutUint16(resp[72:74], port)
		_, _ = pc.WriteTo(resp[:respLen], raddr)
	}()
	return pc.LocalAddr().(*net.UDPAddr), got
}

// TestDiscoverExternalAddr verifies the 74-byte exchange end to end over
// loopback.
func TestDiscoverExternalAddr(t *testing.T) {
	serverAddr, got := fakeDiscoveryServer(t, "203.0.113.50", 39000, discoveryLen)

	conn, err := net.DialUDP("udp4", nil, serverAddr)
	require.NoError(t, err)
	defer conn.Close()

	addr, port, err := discoverExternalAddr(conn, 777)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.50", addr)
	require.Equal(t, uint16(39000), port)

	req := <-got
	require.Len(t, req, discoveryLen)
	require.Equal(t, uint16(discoveryTypeRequest), binary.BigEndian.Uint16(req[0:2]))
	require.Equal(t, uint16(discoveryBodyLen), binary.BigEndian.Uint16(req[2:4]))
	require.Equal(t, uint32(777), binary.BigEndian.Uint32(req[4:8]))
}

// TestDiscoverShortResponse verifies a truncated response is refused.
func TestDiscoverShortResponse(t *testing.T) {
	serverAddr, _ := fakeDiscoveryServer(t, "203.0.113.50", 39000, 10)

	conn, err := net.DialUDP("udp4", nil, serverAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = discoverExternalAddr(conn, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "short discovery response")
}

// TestPickMode verifies the preference order and the no-overlap error.
func TestPickMode(t *testing.T) {
	mode, err := pickMode([]string{session.ModeLegacy, session.ModeSuffix, session.ModeLite})
	require.NoError(t, err)
	require.Equal(t, session.ModeLite, mode)

	mode, err = pickMode([]string{session.ModeLegacy, session.ModeSuffix})
	require.NoError(t, err)
	require.Equal(t, session.ModeSuffix, mode)

	mode, err = pickMode([]string{"aead_aes256_gcm", session.ModeLegacy})
	require.NoError(t, err)
	require.Equal(t, session.ModeLegacy, mode)

	_, err = pickMode([]string{"aead_aes256_gcm"})
	require.Error(t, err)
}
