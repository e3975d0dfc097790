// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"context"
	"errors"
	"fmt"

	"github.com/openchirp/xmmboot/firmware"
	"github.com/openchirp/xmmboot/nvdata"
	"github.com/openchirp/xmmboot/profile"
	"github.com/openchirp/xmmboot/transport"
)

var ErrIO = errors.New("xmmboot: i/o error")

var ErrTimedOut = errors.New("xmmboot: timed out")

var ErrProtocol = errors.New("xmmboot: protocol error")

var ErrImage = errors.New("xmmboot: image error")

var ErrIntegrity = errors.New("xmmboot: calibration integrity error")

var ErrCanceled = errors.New("xmmboot: canceled")

var ErrBadFrame = fmt.Errorf("%w: malformed boot frame", ErrProtocol)

var ErrBadArguments = errors.New("xmmboot: invalid arguments")

func (k Kind) sentinel() error {
	switch k {
	case KindTimedOut:
		return ErrTimedOut
	case KindProtocol:
		return ErrProtocol
	case KindImage:
		return ErrImage
	case KindIntegrity:
		return ErrIntegrity
	case KindCanceled:
		return ErrCanceled
	}
	return ErrIO
}

// classify maps a stage error to its kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, firmware.ErrImage), errors.Is(err, ErrImage):
		return KindImage
	case errors.Is(err, nvdata.ErrIntegrity), errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, transport.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return KindTimedOut
	}
	return KindIO
}

// BootError is returned by Bootstrap. It matches both the kind sentinel
// and the underlying cause with errors.Is.
type BootError struct {
	Stage   Stage
	Attempt int
	Kind    Kind
	Err     error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("bootstrap failed at %v on attempt %d (%v): %v", e.Stage, e.Attempt, e.Kind, e.Err)
}

func (e *BootError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// AckMismatchError is returned when no read within the ACK budget
// carried the expected value.
type AckMismatchError struct {
	What     string
	Expected uint16
	Actual   uint16
	Reads    int
}

func (e *AckMismatchError) Error() string {
	return fmt.Sprintf("%s ack mismatch: expected 0x%04X, last read 0x%04X after %d reads",
		e.What, e.Expected, e.Actual, e.Reads)
}

func (e *AckMismatchError) Unwrap() error {
	return ErrProtocol
}

// CommandEchoError is returned when the modem echoes a different code
// than the command sent.
type CommandEchoError struct {
	Command  profile.CommandID
	Expected uint16
	Actual   uint16
}

func (e *CommandEchoError) Error() string {
	return fmt.Sprintf("%v echo mismatch: expected code 0x%X, got 0x%X", e.Command, e.Expected, e.Actual)
}

func (e *CommandEchoError) Unwrap() error {
	return ErrProtocol
}
