// Package ipc implements the framed message protocol spoken over each
// session's Unix-domain control socket: [1 byte type][4 bytes big-endian
// length][payload].
package ipc

import (
	"encoding/binary"

	"github.com/vibetunnel/session-core/internal/coreerr"
)

// maxFrameLen bounds a single frame's payload so a corrupt length prefix
// can't force the parser to buffer unbounded memory.
const maxFrameLen = 16 << 20

// Type is the single-byte frame discriminator.
type Type byte

const (
	TypeStdinData     Type = 0x01
	TypeControlCmd    Type = 0x02
	TypeStatusUpdate  Type = 0x03
	TypeHeartbeat     Type = 0x04
	TypeError         Type = 0x05
	TypeStatusReq     Type = 0x20
	TypeStatusResp    Type = 0x21
	TypeGitFollowReq  Type = 0x30
	TypeGitFollowResp Type = 0x31
	TypeGitNotify     Type = 0x32
	TypeGitAck        Type = 0x33
)

const headerLen = 5 // 1 byte type + 4 byte big-endian length

// Frame is one decoded message.
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode serializes a frame to the wire format.
func Encode(typ Type, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Parser incrementally decodes frames from a byte stream, retaining
// partial data across calls so a frame can be split arbitrarily between
// Feed invocations (spec §8 testable property 7).
type Parser struct {
	buf []byte
}

// Feed appends data to the parser's internal buffer and returns every
// complete frame it can extract. Excess bytes remain buffered for the
// next call.
func (p *Parser) Feed(data []byte) ([]Frame, error) {
	p.buf = append(p.buf, data...)

	var frames []Frame
	for {
		if len(p.buf) < headerLen {
			break
		}

		n := binary.BigEndian.Uint32(p.buf[1:5])
		if n > maxFrameLen {
			return frames, coreerr.New(coreerr.MalformedFrame, "frame length exceeds maximum")
		}
		total := headerLen + int(n)
		if len(p.buf) < total {
			break
		}

		frames = append(frames, Frame{
			Type:    Type(p.buf[0]),
			Payload: append([]byte(nil), p.buf[headerLen:total]...),
		})
		p.buf = p.buf[total:]
	}
	return frames, nil
}
