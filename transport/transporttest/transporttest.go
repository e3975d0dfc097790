// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transporttest provides a scripted in-memory transport.
//
// Every write is recorded on the handle it was issued on and handed to
// an optional responder, which plays the modem side by queueing reply
// chunks. A chunk is returned by at most one Read call, so tests control
// read boundaries exactly. Waits never block: an empty receive queue is
// reported as transport.ErrTimedOut right away.
package transporttest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/openchirp/xmmboot/transport"
)

// Responder is called after every write with the bytes written.
type Responder func(h *Handle, written []byte)

// Transport is a fake transport.Transport that also implements
// transport.LinkController.
type Transport struct {
	// Respond is installed on every handle opened after it is set.
	Respond Responder
	// OpenErr makes Open fail for the given kinds.
	OpenErr map[transport.Kind]error

	// Errors returned by the link waits.
	OnlineErr    error
	ConnectedErr error
	HostWakeErr  error

	// Handles lists every handle in the order it was opened.
	Handles []*Handle
	// Events records opens, closes, power and link requests in order.
	Events []string

	PowerOnCount  int
	PowerOffCount int
}

// New returns a fake transport replying through respond.
func New(respond Responder) *Transport {
	return &Transport{Respond: respond}
}

func (t *Transport) record(format string, args ...interface{}) {
	t.Events = append(t.Events, fmt.Sprintf(format, args...))
}

// Open implements transport.Transport.
func (t *Transport) Open(kind transport.Kind) (transport.Handle, error) {
	if err, ok := t.OpenErr[kind]; ok && err != nil {
		t.record("open %v failed", kind)
		return nil, err
	}
	h := &Handle{Kind: kind, t: t, respond: t.Respond}
	t.Handles = append(t.Handles, h)
	t.record("open %v", kind)
	return h, nil
}

// Last returns the most recently opened handle of kind, or nil.
func (t *Transport) Last(kind transport.Kind) *Handle {
	for i := len(t.Handles) - 1; i >= 0; i-- {
		if t.Handles[i].Kind == kind {
			return t.Handles[i]
		}
	}
	return nil
}

// Opened returns every handle of kind in open order.
func (t *Transport) Opened(kind transport.Kind) []*Handle {
	var hs []*Handle
	for _, h := range t.Handles {
		if h.Kind == kind {
			hs = append(hs, h)
		}
	}
	return hs
}

// Count returns how many recorded events equal event.
func (t *Transport) Count(event string) int {
	n := 0
	for _, e := range t.Events {
		if e == event {
			n++
		}
	}
	return n
}

func (t *Transport) PowerOn() error {
	t.PowerOnCount++
	t.record("power on")
	return nil
}

func (t *Transport) PowerOff() error {
	t.PowerOffCount++
	t.record("power off")
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (t *Transport) SetModemPower(h transport.Handle, on bool) error {
	t.record("modem power %s", onOff(on))
	return nil
}

func (t *Transport) SetBootPower(h transport.Handle, on bool) error {
	t.record("boot power %s", onOff(on))
	return nil
}

func (t *Transport) WaitOnline(h transport.Handle) error {
	t.record("wait online")
	return t.OnlineErr
}

func (t *Transport) SetHostPower(on bool) error {
	t.record("host power %s", onOff(on))
	return nil
}

func (t *Transport) SetLinkEnable(on bool) error {
	t.record("link enable %s", onOff(on))
	return nil
}

func (t *Transport) SetLinkActive(on bool) error {
	t.record("link active %s", onOff(on))
	return nil
}

func (t *Transport) WaitLinkConnected() error {
	t.record("wait connected")
	return t.ConnectedErr
}

func (t *Transport) WaitHostWake() error {
	t.record("wait hostwake")
	return t.HostWakeErr
}

// Handle is one fake channel.
type Handle struct {
	Kind transport.Kind
	// Writes holds a copy of every write in order.
	Writes [][]byte
	// Reads counts Read calls that returned data.
	Reads  int
	Closed bool
	// WriteErr, when set, fails every write.
	WriteErr error

	rx      [][]byte
	respond Responder
	t       *Transport
}

// NewHandle returns a standalone handle not owned by a Transport.
func NewHandle(kind transport.Kind, respond Responder) *Handle {
	return &Handle{Kind: kind, respond: respond}
}

// Queue appends reply chunks.
func (h *Handle) Queue(chunks ...[]byte) {
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		h.rx = append(h.rx, append([]byte(nil), c...))
	}
}

// Pending returns the number of queued bytes not yet read.
func (h *Handle) Pending() int {
	n := 0
	for _, c := range h.rx {
		n += len(c)
	}
	return n
}

// Written returns every write concatenated.
func (h *Handle) Written() []byte {
	return bytes.Join(h.Writes, nil)
}

func (h *Handle) Read(p []byte, timeout time.Duration) (int, error) {
	if h.Closed {
		return 0, transport.ErrClosed
	}
	if len(h.rx) == 0 {
		return 0, transport.ErrTimedOut
	}
	n := copy(p, h.rx[0])
	if n < len(h.rx[0]) {
		h.rx[0] = h.rx[0][n:]
	} else {
		h.rx = h.rx[1:]
	}
	h.Reads++
	return n, nil
}

func (h *Handle) Write(p []byte, timeout time.Duration) (int, error) {
	if h.Closed {
		return 0, transport.ErrClosed
	}
	if h.WriteErr != nil {
		return 0, h.WriteErr
	}
	buf := append([]byte(nil), p...)
	h.Writes = append(h.Writes, buf)
	if h.respond != nil {
		h.respond(h, buf)
	}
	return len(p), nil
}

func (h *Handle) Poll(timeout time.Duration) error {
	if h.Closed {
		return transport.ErrClosed
	}
	if len(h.rx) == 0 {
		return transport.ErrTimedOut
	}
	return nil
}

func (h *Handle) Close() error {
	if h.Closed {
		return transport.ErrClosed
	}
	h.Closed = true
	if h.t != nil {
		h.t.record("close %v", h.Kind)
	}
	return nil
}
