// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"encoding/binary"
	"fmt"

	"github.com/openchirp/xmmboot/profile"
)

const (
	mipiHeaderMagic uint16 = 0x02
	mipiFooterMagic uint16 = 0x03
	mipiTailMagic   uint16 = 0xEAEA

	mipiHeaderSize = 10
	mipiFooterSize = 6
	hsicHeaderSize = 8

	// maxCommandPayload is the largest payload the u16 length field of
	// the MIPI header can carry.
	maxCommandPayload = 0xFFFF
)

// Command is one boot command ready to be framed.
type Command struct {
	ID      profile.CommandID
	Code    uint16
	Payload []byte
	// Ack is set when the modem echoes the command.
	Ack bool
	// ShortTail drops the trailing footer magic (MIPI).
	ShortTail bool
	// FrameSize is the zero-padded payload area (HSIC).
	FrameSize int
}

// newCommand looks up id in the profile table.
func newCommand(p *profile.Profile, id profile.CommandID, payload []byte) (Command, error) {
	entry, err := p.Command(id)
	if err != nil {
		return Command{}, err
	}
	return Command{
		ID:        id,
		Code:      entry.Code,
		Payload:   payload,
		Ack:       entry.Ack,
		ShortTail: entry.ShortTail,
		FrameSize: entry.FrameSize,
	}, nil
}

// FrameLen returns the encoded length of c in dialect d.
func (c Command) FrameLen(d profile.Dialect) int {
	if d == profile.HSIC {
		return hsicHeaderSize + c.FrameSize
	}
	n := mipiHeaderSize + len(c.Payload) + mipiFooterSize
	if c.ShortTail {
		n -= 2
	}
	return n
}

// EncodeCommand frames c for dialect d.
func EncodeCommand(d profile.Dialect, c Command) ([]byte, error) {
	n := len(c.Payload)
	if n > maxCommandPayload {
		return nil, fmt.Errorf("%w: %v payload of %d bytes", ErrBadArguments, c.ID, n)
	}
	sum := commandChecksum(c.Code, c.Payload)
	le := binary.LittleEndian

	switch d {
	case profile.MIPI:
		buf := make([]byte, c.FrameLen(d))
		le.PutUint32(buf[0:], uint32(mipiHeaderSize+n))
		le.PutUint16(buf[4:], mipiHeaderMagic)
		le.PutUint16(buf[6:], c.Code)
		le.PutUint16(buf[8:], uint16(n))
		copy(buf[mipiHeaderSize:], c.Payload)
		foot := buf[mipiHeaderSize+n:]
		le.PutUint16(foot[0:], sum)
		le.PutUint16(foot[2:], mipiFooterMagic)
		if !c.ShortTail {
			le.PutUint16(foot[4:], mipiTailMagic)
		}
		return buf, nil
	case profile.HSIC:
		if n > c.FrameSize {
			return nil, fmt.Errorf("%w: %v payload of %d bytes exceeds frame of %d",
				ErrBadArguments, c.ID, n, c.FrameSize)
		}
		buf := make([]byte, c.FrameLen(d))
		le.PutUint16(buf[0:], sum)
		le.PutUint16(buf[2:], c.Code)
		le.PutUint32(buf[4:], uint32(n))
		copy(buf[hsicHeaderSize:], c.Payload)
		return buf, nil
	}
	return nil, fmt.Errorf("%w: dialect %q", ErrBadArguments, d)
}

// DecodeCommand parses a frame produced by EncodeCommand. shortTail
// selects the MIPI footer variant and is ignored for HSIC. The returned
// payload aliases frame.
func DecodeCommand(d profile.Dialect, frame []byte, shortTail bool) (Command, error) {
	le := binary.LittleEndian
	var c Command

	switch d {
	case profile.MIPI:
		if len(frame) < mipiHeaderSize {
			return c, fmt.Errorf("%w: %d byte frame", ErrBadFrame, len(frame))
		}
		if le.Uint16(frame[4:]) != mipiHeaderMagic {
			return c, fmt.Errorf("%w: header magic 0x%04X", ErrBadFrame, le.Uint16(frame[4:]))
		}
		c.Code = le.Uint16(frame[6:])
		n := int(le.Uint16(frame[8:]))
		if int(le.Uint32(frame[0:])) != mipiHeaderSize+n {
			return c, fmt.Errorf("%w: size field %d for %d byte payload", ErrBadFrame, le.Uint32(frame[0:]), n)
		}
		c.ShortTail = shortTail
		c.Payload = frame[mipiHeaderSize : mipiHeaderSize+min(n, len(frame)-mipiHeaderSize)]
		if len(frame) != c.FrameLen(d) || len(c.Payload) != n {
			return c, fmt.Errorf("%w: %d byte frame for %d byte payload", ErrBadFrame, len(frame), n)
		}
		foot := frame[mipiHeaderSize+n:]
		if le.Uint16(foot[2:]) != mipiFooterMagic {
			return c, fmt.Errorf("%w: footer magic 0x%04X", ErrBadFrame, le.Uint16(foot[2:]))
		}
		if !shortTail && le.Uint16(foot[4:]) != mipiTailMagic {
			return c, fmt.Errorf("%w: tail magic 0x%04X", ErrBadFrame, le.Uint16(foot[4:]))
		}
		if sum := commandChecksum(c.Code, c.Payload); le.Uint16(foot[0:]) != sum {
			return c, fmt.Errorf("%w: checksum 0x%04X, computed 0x%04X", ErrBadFrame, le.Uint16(foot[0:]), sum)
		}
		return c, nil
	case profile.HSIC:
		if len(frame) < hsicHeaderSize {
			return c, fmt.Errorf("%w: %d byte frame", ErrBadFrame, len(frame))
		}
		c.Code = le.Uint16(frame[2:])
		n := le.Uint32(frame[4:])
		c.FrameSize = len(frame) - hsicHeaderSize
		if n > uint32(c.FrameSize) {
			return c, fmt.Errorf("%w: %d byte payload in %d byte frame", ErrBadFrame, n, c.FrameSize)
		}
		c.Payload = frame[hsicHeaderSize : hsicHeaderSize+int(n)]
		if sum := commandChecksum(c.Code, c.Payload); le.Uint16(frame[0:]) != sum {
			return c, fmt.Errorf("%w: checksum 0x%04X, computed 0x%04X", ErrBadFrame, le.Uint16(frame[0:]), sum)
		}
		return c, nil
	}
	return c, fmt.Errorf("%w: dialect %q", ErrBadArguments, d)
}
