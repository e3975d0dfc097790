// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ipc frames the control messages exchanged with an online
// modem.
//
// Two channels exist. The formatted channel carries addressed commands
// with sequence numbers. The raw-access channel carries requests of the
// modem's remote file service, whose commands live in the implicit RFS
// group.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Role selects the channel a message belongs to.
type Role int

const (
	RoleFormatted Role = iota
	RoleRawAccess
)

var role2String = map[Role]string{
	RoleFormatted: "formatted",
	RoleRawAccess: "rawaccess",
}

func (r Role) String() string {
	if str, ok := role2String[r]; ok {
		return str
	}
	return fmt.Sprintf("role(%d)", int(r))
}

const (
	FormattedHeaderSize = 7
	RawAccessHeaderSize = 6

	// Declared lengths must stay below these bounds.
	FormattedMax = 0x10000
	RawAccessMax = 0x80000
)

func (r Role) headerSize() int {
	if r == RoleRawAccess {
		return RawAccessHeaderSize
	}
	return FormattedHeaderSize
}

func (r Role) max() int {
	if r == RoleRawAccess {
		return RawAccessMax
	}
	return FormattedMax
}

// Type is the message type of a formatted message.
type Type uint8

// Types sent to the modem
const (
	TypeExec  Type = 0x01
	TypeGet   Type = 0x02
	TypeSet   Type = 0x03
	TypeCfrm  Type = 0x04
	TypeEvent Type = 0x05
)

// Types received from the modem
const (
	TypeIndi Type = 0x01
	TypeResp Type = 0x02
	TypeNoti Type = 0x03
)

// Group is the command group of a formatted message.
type Group uint8

const (
	GroupPWR  Group = 0x01
	GroupCALL Group = 0x02
	GroupSMS  Group = 0x04
	GroupSEC  Group = 0x05
	GroupPB   Group = 0x06
	GroupDISP Group = 0x07
	GroupNET  Group = 0x08
	GroupSND  Group = 0x09
	GroupMISC Group = 0x0A
	GroupSVC  Group = 0x0B
	GroupSS   Group = 0x0C
	GroupGPRS Group = 0x0D
	GroupSAT  Group = 0x0E
	GroupCFG  Group = 0x0F
	GroupIMEI Group = 0x10
	GroupGPS  Group = 0x11
	GroupSAP  Group = 0x12
	GroupRFS  Group = 0x42
	GroupGEN  Group = 0x80
)

var group2String = map[Group]string{
	GroupPWR:  "PWR",
	GroupCALL: "CALL",
	GroupSMS:  "SMS",
	GroupSEC:  "SEC",
	GroupPB:   "PB",
	GroupDISP: "DISP",
	GroupNET:  "NET",
	GroupSND:  "SND",
	GroupMISC: "MISC",
	GroupSVC:  "SVC",
	GroupSS:   "SS",
	GroupGPRS: "GPRS",
	GroupSAT:  "SAT",
	GroupCFG:  "CFG",
	GroupIMEI: "IMEI",
	GroupGPS:  "GPS",
	GroupSAP:  "SAP",
	GroupRFS:  "RFS",
	GroupGEN:  "GEN",
}

func (g Group) String() string {
	if str, ok := group2String[g]; ok {
		return str
	}
	return fmt.Sprintf("GROUP(0x%02X)", uint8(g))
}

// Message is a *Formatted or a *RawAccess.
type Message interface {
	Role() Role
	// Len returns the encoded length, header included.
	Len() int
}

// Formatted is a message of the formatted channel.
type Formatted struct {
	MSeq    uint8
	ASeq    uint8
	Group   Group
	Index   uint8
	Type    Type
	Payload []byte
}

func (m *Formatted) Role() Role { return RoleFormatted }

func (m *Formatted) Len() int { return FormattedHeaderSize + len(m.Payload) }

// Command returns group<<8 | index.
func (m *Formatted) Command() uint16 {
	return uint16(m.Group)<<8 | uint16(m.Index)
}

func (m *Formatted) String() string {
	return fmt.Sprintf("%v/0x%02X type %d mseq %d aseq %d (%d bytes)",
		m.Group, m.Index, m.Type, m.MSeq, m.ASeq, len(m.Payload))
}

// RawAccess is a message of the raw-access channel. Cmd is the index
// of the command inside the RFS group.
type RawAccess struct {
	ID      uint8
	Cmd     uint8
	Payload []byte
}

func (m *RawAccess) Role() Role { return RoleRawAccess }

func (m *RawAccess) Len() int { return RawAccessHeaderSize + len(m.Payload) }

// Command returns the full RFS command number.
func (m *RawAccess) Command() uint16 {
	return uint16(GroupRFS)<<8 | uint16(m.Cmd)
}

func (m *RawAccess) String() string {
	return fmt.Sprintf("RFS/0x%02X id %d (%d bytes)", m.Cmd, m.ID, len(m.Payload))
}

// ErrProtocol is wrapped by every framing error.
var ErrProtocol = errors.New("ipc: protocol error")

var ErrWrongChannel = errors.New("ipc: message does not belong to this channel")

// ProtocolError reports a frame whose declared length is out of bounds
// or does not match the bytes received.
type ProtocolError struct {
	Role   Role
	Length int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v frame with length %d: %s", e.Role, e.Length, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// checkLength validates a declared length for role.
func checkLength(role Role, length int) error {
	if length < role.headerSize() {
		return &ProtocolError{Role: role, Length: length, Reason: "shorter than the header"}
	}
	if length >= role.max() {
		return &ProtocolError{Role: role, Length: length, Reason: fmt.Sprintf("exceeds channel maximum 0x%x", role.max())}
	}
	return nil
}

// Encode frames m.
func Encode(m Message) ([]byte, error) {
	if err := checkLength(m.Role(), m.Len()); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	buf := make([]byte, m.Len())
	switch m := m.(type) {
	case *Formatted:
		le.PutUint16(buf[0:], uint16(len(buf)))
		buf[2] = m.MSeq
		buf[3] = m.ASeq
		buf[4] = byte(m.Group)
		buf[5] = m.Index
		buf[6] = byte(m.Type)
		copy(buf[FormattedHeaderSize:], m.Payload)
	case *RawAccess:
		le.PutUint32(buf[0:], uint32(len(buf)))
		buf[4] = m.Cmd
		buf[5] = m.ID
		copy(buf[RawAccessHeaderSize:], m.Payload)
	default:
		return nil, fmt.Errorf("%w: %T", ErrWrongChannel, m)
	}
	return buf, nil
}

// declaredLength reads the length field of a header.
func declaredLength(role Role, header []byte) int {
	if role == RoleRawAccess {
		return int(binary.LittleEndian.Uint32(header))
	}
	return int(binary.LittleEndian.Uint16(header))
}

// Decode parses one complete frame of role. The payload is copied.
func Decode(role Role, frame []byte) (Message, error) {
	if len(frame) < role.headerSize() {
		return nil, &ProtocolError{Role: role, Length: len(frame), Reason: "truncated header"}
	}
	length := declaredLength(role, frame)
	if err := checkLength(role, length); err != nil {
		return nil, err
	}
	if length != len(frame) {
		return nil, &ProtocolError{Role: role, Length: length, Reason: fmt.Sprintf("%d bytes received", len(frame))}
	}
	payload := append([]byte(nil), frame[role.headerSize():]...)
	if role == RoleRawAccess {
		return &RawAccess{Cmd: frame[4], ID: frame[5], Payload: payload}, nil
	}
	return &Formatted{
		MSeq:    frame[2],
		ASeq:    frame[3],
		Group:   Group(frame[4]),
		Index:   frame[5],
		Type:    Type(frame[6]),
		Payload: payload,
	}, nil
}
