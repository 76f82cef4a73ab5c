package ws

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	OpCont   = 0x0
	OpText   = 0x1
	OpBinary = 0x2
	OpClose  = 0x8
	OpPing   = 0x9
	OpPong   = 0xA
)

// Close codes that must never appear in a close frame payload.
const (
	CloseNoStatus = 1005
	CloseAbnormal = 1006
)

const maxControlPayload = 125

var (
	// ErrFrameTooLarge is returned by ReadFrame when a frame payload exceeds
	// the configured limit.
	ErrFrameTooLarge = errors.New("frame too large")
	ErrMessageTooBig = errors.New("message too big")
	ErrProtocol      = errors.New("protocol error")
)

// IsControl reports whether opcode is a ping, pong or close.
func IsControl(opcode byte) bool {
	return opcode&0x8 != 0
}

type Frame struct {
	Fin     bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

func ReadFrame(r *bufio.Reader, maxFramePayload int64) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    hdr[0]&0x80 != 0,
		Opcode: hdr[0] & 0x0F,
		Masked: hdr[1]&0x80 != 0,
	}

	plen, err := readPayloadLen(r, hdr[1]&0x7F)
	if err != nil {
		return f, err
	}
	if maxFramePayload > 0 && plen > maxFramePayload {
		return f, fmt.Errorf("%w: %d", ErrFrameTooLarge, plen)
	}

	var key [4]byte
	if f.Masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return f, err
		}
	}

	f.Payload = make([]byte, plen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, err
	}
	if f.Masked {
		applyMask(f.Payload, key)
	}
	return f, nil
}

// readPayloadLen decodes the 7-bit, 16-bit or 64-bit payload length.
func readPayloadLen(r io.Reader, short byte) (int64, error) {
	switch short {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, err
		}
		return int64(binary.BigEndian.Uint16(ext[:])), nil
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, err
		}
		n := int64(binary.BigEndian.Uint64(ext[:]))
		if n < 0 {
			return 0, fmt.Errorf("%w: invalid length", ErrProtocol)
		}
		return n, nil
	default:
		return int64(short), nil
	}
}

func applyMask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// WriteDataFrame writes payload as one message, split into continuation
// frames of at most maxFramePayload bytes when the limit is positive.
func WriteDataFrame(w io.Writer, opcode byte, payload []byte, masked bool, maxFramePayload int64) error {
	op := opcode
	for maxFramePayload > 0 && int64(len(payload)) > maxFramePayload {
		if err := writeFrame(w, op, payload[:maxFramePayload], masked, false); err != nil {
			return err
		}
		payload = payload[maxFramePayload:]
		op = OpCont
	}
	return writeFrame(w, op, payload, masked, true)
}

func WriteControlFrame(w io.Writer, opcode byte, payload []byte) error {
	if len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}
	return writeFrame(w, opcode, payload, false, true)
}

// WriteCloseFrame writes a close frame. The reserved codes 1005 and 1006
// produce an empty payload.
func WriteCloseFrame(w io.Writer, code uint16, reason string) error {
	if code == CloseNoStatus || code == CloseAbnormal {
		return writeFrame(w, OpClose, nil, false, true)
	}
	pl := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(pl[:2], code)
	copy(pl[2:], reason)
	return WriteControlFrame(w, OpClose, pl)
}

func writeFrame(w io.Writer, opcode byte, payload []byte, masked bool, fin bool) error {
	b0 := opcode & 0x0F
	if fin {
		b0 |= 0x80
	}
	var b1 byte
	if masked {
		b1 = 0x80
	}

	hdr := make([]byte, 0, 14)
	n := len(payload)
	switch {
	case n <= 125:
		hdr = append(hdr, b0, b1|byte(n))
	case n <= 65535:
		hdr = append(hdr, b0, b1|126)
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(n))
	default:
		hdr = append(hdr, b0, b1|127)
		hdr = binary.BigEndian.AppendUint64(hdr, uint64(n))
	}

	if !masked {
		if _, err := w.Write(hdr); err != nil {
			return err
		}
		_, err := w.Write(payload)
		return err
	}

	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}
	hdr = append(hdr, key[:]...)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	m := append([]byte(nil), payload...)
	applyMask(m, key)
	_, err := w.Write(m)
	return err
}

// ParseClosePayload returns the close code and reason. An empty payload
// reports 1000.
func ParseClosePayload(p []byte) (int, string) {
	if len(p) < 2 {
		return 1000, ""
	}
	return int(binary.BigEndian.Uint16(p[:2])), string(p[2:])
}
