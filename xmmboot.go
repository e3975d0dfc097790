// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package xmmboot brings an XMM baseband modem from power-off to the
// online state.
//
// The boot exchange has two wire dialects, selected by the device
// profile: MIPI (maguro, piranha) and HSIC (galaxys2, n5100, n7100).
// Both upload the PSI loader, then the EBL loader, then drive the EBL
// with framed commands that carry the firmware and the calibration data
// to their load addresses.
package xmmboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/profile"
	"github.com/openchirp/xmmboot/transport"
)

const (
	// maxEcho bounds the MIPI command echo and port config lengths.
	maxEcho = 0x10000
	minEcho = 10
)

// link drives the boot exchange over one open boot channel.
type link struct {
	p   *profile.Profile
	h   transport.Handle
	log zerolog.Logger
}

func newLink(p *profile.Profile, h transport.Handle, log zerolog.Logger) *link {
	return &link{p: p, h: h, log: log}
}

func (l *link) write(b []byte) error {
	return transport.WriteFull(l.h, b, l.p.Timing.WriteTimeout)
}

func (l *link) writeU32(v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return l.write(b)
}

// read fills b, waiting for readability first.
func (l *link) read(b []byte, timeout time.Duration) error {
	if err := l.h.Poll(timeout); err != nil {
		return err
	}
	return transport.ReadFull(l.h, b, timeout)
}

// probe writes the probe string until the modem has something to say.
func (l *link) probe() error {
	msg := []byte(l.p.Probe.Message)
	for attempt := 1; attempt <= l.p.Probe.Attempts; attempt++ {
		if err := l.write(msg); err != nil {
			return err
		}
		err := l.h.Poll(l.p.Probe.Interval)
		if err == nil {
			l.log.Debug().Int("attempt", attempt).Msg("modem answered probe")
			return nil
		}
		if !errors.Is(err, transport.ErrTimedOut) {
			return err
		}
	}
	return fmt.Errorf("%w: no answer to %d probes", transport.ErrTimedOut, l.p.Probe.Attempts)
}

func ackValue(b []byte) uint16 {
	if len(b) == 1 {
		return uint16(b[0])
	}
	return binary.LittleEndian.Uint16(b)
}

// waitAck reads width byte words until one carries want. Short reads
// and other values are skipped. The read budget comes from the profile.
func (l *link) waitAck(what string, width int, want uint16, timeout time.Duration) error {
	buf := make([]byte, width)
	var got uint16
	reads := l.p.Retry.AckReads
	for i := 0; i < reads; i++ {
		if err := l.h.Poll(timeout); err != nil {
			return fmt.Errorf("%s ack: %w", what, err)
		}
		n, err := l.h.Read(buf, timeout)
		if err != nil {
			return fmt.Errorf("%s ack: %w", what, err)
		}
		if n < width {
			l.log.Debug().Str("ack", what).Int("len", n).Msg("short ack read skipped")
			continue
		}
		got = ackValue(buf)
		if got == want {
			return nil
		}
		l.log.Debug().Str("ack", what).Msgf("skipped 0x%04X", got)
	}
	return &AckMismatchError{What: what, Expected: want, Actual: got, Reads: reads}
}

// discard reads and drops n preamble bytes. Every byte must arrive
// within timeout.
func (l *link) discard(n int, timeout time.Duration) error {
	b := make([]byte, 1)
	for i := 0; i < n; i++ {
		if err := l.read(b, timeout); err != nil {
			return fmt.Errorf("preamble byte %d of %d: %w", i+1, n, err)
		}
	}
	l.log.Debug().Int("bytes", n).Msg("discarded preamble")
	return nil
}

// sendCommand frames and writes a boot command. A malformed echo or one
// carrying the wrong code resends the command up to the profile's
// command retries. I/O errors and timeouts return at once.
func (l *link) sendCommand(id profile.CommandID, payload []byte) error {
	c, err := newCommand(l.p, id, payload)
	if err != nil {
		return err
	}
	frame, err := EncodeCommand(l.p.Dialect, c)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= l.p.Retry.CommandRetries; attempt++ {
		if err := l.write(frame); err != nil {
			return fmt.Errorf("%v: %w", id, err)
		}
		if !c.Ack {
			return nil
		}
		code, err := l.readEcho(c)
		switch {
		case errors.Is(err, ErrProtocol):
			lastErr = fmt.Errorf("%v: %w", id, err)
		case err != nil:
			return fmt.Errorf("%v: %w", id, err)
		case code == c.Code:
			return nil
		default:
			lastErr = &CommandEchoError{Command: id, Expected: c.Code, Actual: code}
		}
		l.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("resending command")
	}
	return lastErr
}

// readEcho reads the modem's echo of c and returns the echoed code.
func (l *link) readEcho(c Command) (uint16, error) {
	timeout := l.p.Timing.AckTimeout
	if l.p.Dialect == profile.HSIC {
		head := make([]byte, hsicHeaderSize)
		if err := l.read(head, timeout); err != nil {
			return 0, err
		}
		if err := l.read(make([]byte, c.FrameSize), timeout); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint16(head[2:]), nil
	}

	head := make([]byte, 4)
	if err := l.read(head, timeout); err != nil {
		return 0, err
	}
	length := binary.LittleEndian.Uint32(head)
	if length == 0 {
		return 0, fmt.Errorf("%w: zero length echo", ErrBadFrame)
	}
	total := (uint64(length) + 4 + 3) &^ 3
	if total < minEcho || total > maxEcho {
		return 0, fmt.Errorf("%w: echo length %d", ErrBadFrame, length)
	}
	buf := make([]byte, total)
	copy(buf, head)
	for off := 4; off < len(buf); off += 4 {
		if err := l.read(buf[off:off+4], timeout); err != nil {
			return 0, err
		}
	}
	return binary.LittleEndian.Uint16(buf[6:]), nil
}

// readPortConfig reads the modem's port configuration block.
func (l *link) readPortConfig() ([]byte, error) {
	timeout := l.p.Timing.PortConfigTimeout
	if l.p.Dialect == profile.HSIC {
		buf := make([]byte, l.p.PortConfigSize)
		if err := l.read(buf, timeout); err != nil {
			return nil, err
		}
		return buf, nil
	}

	head := make([]byte, 4)
	if err := l.read(head, timeout); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(head)
	if length == 0 || length > maxEcho {
		return nil, fmt.Errorf("%w: port config length %d", ErrBadFrame, length)
	}
	buf := make([]byte, (length+3)&^3)
	for off := 0; off < len(buf); off += 4 {
		if err := l.read(buf[off:off+4], l.p.Timing.AckTimeout); err != nil {
			return nil, err
		}
	}
	return buf[:length], nil
}

func (l *link) Close() error {
	return l.h.Close()
}
