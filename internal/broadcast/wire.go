package broadcast

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Audio stream wiring. After the text handshake the stream carries frames of
// the form [kind:1][length:2 BE][payload], where kind distinguishes RTP audio
// packets from RTCP reports.
const (
	frameRTP  byte = 0
	frameRTCP byte = 1

	maxFramePayload = 1 << 16
)

// dynamic payload type for PCM16 audio
const rtpPayloadType = 96

// frameBytes renders a frame once so it can be fanned out to many conns
// without re-encoding.
func frameBytes(kind byte, payload []byte) []byte {
	if len(payload) >= maxFramePayload {
		return nil
	}
	buf := make([]byte, 3+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	return buf
}

func readFrame(r io.Reader) (kind byte, payload []byte, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint16(hdr[1:3])
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// readLine reads a single \n-terminated line one byte at a time so no frame
// bytes following the handshake get buffered away.
func readLine(r io.Reader) (string, error) {
	var b strings.Builder
	var one [1]byte
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return "", err
		}
		if one[0] == '\n' {
			return b.String(), nil
		}
		if b.Len() > 256 {
			return "", fmt.Errorf("handshake line too long")
		}
		b.WriteByte(one[0])
	}
}

// sendTune performs the receiver side of the handshake and returns the
// host-announced sample rate and channel count.
func sendTune(rw io.ReadWriter, roomID string) (sampleRate, channels int, err error) {
	if _, err = fmt.Fprintf(rw, "TUNE %s\n", roomID); err != nil {
		return 0, 0, err
	}
	line, err := readLine(rw)
	if err != nil {
		return 0, 0, err
	}
	line = strings.TrimSpace(line)
	if _, err = fmt.Sscanf(line, "OK %d %d", &sampleRate, &channels); err != nil {
		return 0, 0, fmt.Errorf("tune rejected: %q", line)
	}
	return sampleRate, channels, nil
}

// readTune performs the host side of the handshake: parses the TUNE line and
// acks with the stream's audio parameters.
func readTune(rw io.ReadWriter, wantRoom string, sampleRate, channels int) error {
	line, err := readLine(rw)
	if err != nil {
		return err
	}
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 || fields[0] != "TUNE" || fields[1] != wantRoom {
		fmt.Fprintf(rw, "ERR bad tune\n")
		return fmt.Errorf("bad tune line: %q", line)
	}
	_, err = fmt.Fprintf(rw, "OK %d %d\n", sampleRate, channels)
	return err
}
