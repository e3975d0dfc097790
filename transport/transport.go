// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport defines the byte channels the boot engine and the
// runtime message channel talk through.
//
// A Transport hands out Handles for the channel kinds a device exposes.
// Reads and writes on a Handle may be short. Every wait is bounded by a
// timeout, and an expired wait returns ErrTimedOut.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var ErrTimedOut = errors.New("transport: timed out")

var ErrClosed = errors.New("transport: handle closed")

var ErrUnsupportedKind = errors.New("transport: channel kind not available")

var ErrShortWrite = errors.New("transport: write made no progress")

// ErrNotReady is returned by runtime reads and writes when the modem
// reports a state other than booting or online.
var ErrNotReady = errors.New("transport: modem not ready")

// Kind names one of the channels a device exposes.
type Kind int

const (
	Boot0 Kind = iota
	Boot1
	Formatted
	RawAccess
	LinkPM
)

var kind2String = map[Kind]string{
	Boot0:     "boot0",
	Boot1:     "boot1",
	Formatted: "formatted",
	RawAccess: "rawaccess",
	LinkPM:    "link_pm",
}

func (k Kind) String() string {
	if str, ok := kind2String[k]; ok {
		return str
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Handle is one open channel.
type Handle interface {
	// Read waits up to timeout for data and reads what is available.
	Read(p []byte, timeout time.Duration) (int, error)
	// Write writes as much of p as the channel accepts within timeout.
	Write(p []byte, timeout time.Duration) (int, error)
	// Poll waits up to timeout for the handle to become readable.
	Poll(timeout time.Duration) error
	Close() error
}

// Transport opens channels and switches modem power.
type Transport interface {
	Open(kind Kind) (Handle, error)
	PowerOn() error
	PowerOff() error
}

// LinkController is implemented by transports that accept vendor
// control requests. Requests that need a boot channel take the handle
// the request is issued on.
type LinkController interface {
	SetModemPower(h Handle, on bool) error
	SetBootPower(h Handle, on bool) error
	WaitOnline(h Handle) error
	SetHostPower(on bool) error
	SetLinkEnable(on bool) error
	SetLinkActive(on bool) error
	WaitLinkConnected() error
	WaitHostWake() error
}

// WriteFull writes all of p, looping over short writes.
func WriteFull(h Handle, p []byte, timeout time.Duration) error {
	for len(p) > 0 {
		n, err := h.Write(p, timeout)
		if err != nil {
			return err
		}
		if n <= 0 {
			return ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ReadFull fills p, looping over short reads. Each read waits at most
// timeout.
func ReadFull(h Handle, p []byte, timeout time.Duration) error {
	for len(p) > 0 {
		n, err := h.Read(p, timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimedOut
		}
		p = p[n:]
	}
	return nil
}
