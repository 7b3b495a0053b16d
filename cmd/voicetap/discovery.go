package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/discord-voice-lab/voicewire/internal/session"
)

// Discovery packets are 74 bytes both ways: type(2) length(2) ssrc(4)
// address(64) port(2), numbers big-endian. The server echoes the ssrc and
// fills in the source address and port it observed, which is how the
// client learns what it looks like from outside any NAT.
const (
	discoveryLen         = 74
	discoveryTypeRequest = 0x1
	discoveryBodyLen     = 70
)

func discoverExternalAddr(conn *net.UDPConn, ssrc uint32) (string, uint16, error) {
	req := make([]byte, discoveryLen)
	binary.BigEndian.PutUint16(req[0:2], discoveryTypeRequest)
	binary.BigEndian.PutUint16(req[2:4], discoveryBodyLen)
	binary.BigEndian.PutUint32(req[4:8], ssrc)
	if _, err := conn.Write(req); err != nil {
		return "", 0, fmt.Errorf("send discovery: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", 0, fmt.Errorf("arm discovery deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	resp := make([]byte, discoveryLen)
	n, err := conn.Read(resp)
	if err != nil {
		return "", 0, fmt.Errorf("read discovery response: %w", err)
	}
	if n < discoveryLen {
		return "", 0, fmt.Errorf("short discovery response: %d bytes", n)
	}

	addr := strings.TrimRight(string(resp[8:72]), "\x00")
	port := binary.BigEndian.Uint16(resp[72:74])
	if addr == "" || port == 0 {
		return "", 0, fmt.Errorf("discovery response carried no address")
	}
	return addr, port, nil
}

// pickMode chooses the strongest encryption mode the server offers.
func pickMode(offered []string) (string, error) {
	for _, want := range []string{session.ModeLite, session.ModeSuffix, session.ModeLegacy} {
		for _, o := range offered {
			if o == want {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("no supported encryption mode in %v", offered)
}
