// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/metrics"
	"github.com/openchirp/xmmboot/transport"
)

// readSize is the size of the first read of every frame.
const readSize = 0x1000

const DefaultWriteTimeout = time.Second

type config struct {
	log          zerolog.Logger
	writeTimeout time.Duration
	metrics      bool
}

// Option configures a Channel.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithWriteTimeout bounds each write of Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithMetrics enables the prometheus message counters.
func WithMetrics(enabled bool) Option {
	return func(c *config) {
		c.metrics = enabled
	}
}

// Channel exchanges messages of one role over a transport handle.
// A Channel is not safe for concurrent use.
type Channel struct {
	role Role
	h    transport.Handle
	cfg  config

	mseq uint8
	// rx holds bytes read past the last frame.
	rx []byte
	// pending holds messages received while waiting for a response.
	pending []Message
}

// Open opens the runtime channel of role on t.
func Open(t transport.Transport, role Role, opts ...Option) (*Channel, error) {
	kind := transport.Formatted
	if role == RoleRawAccess {
		kind = transport.RawAccess
	}
	h, err := t.Open(kind)
	if err != nil {
		return nil, fmt.Errorf("open %v channel: %w", role, err)
	}
	return NewChannel(h, role, opts...), nil
}

// NewChannel wraps an open handle.
func NewChannel(h transport.Handle, role Role, opts ...Option) *Channel {
	cfg := config{
		log:          zerolog.Nop(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.log = cfg.log.With().Stringer("channel", role).Logger()
	return &Channel{role: role, h: h, cfg: cfg}
}

func (c *Channel) Role() Role {
	return c.role
}

func (c *Channel) nextSeq() uint8 {
	c.mseq++
	if c.mseq == 0 {
		c.mseq = 1
	}
	return c.mseq
}

// Send writes m. A formatted message with a zero MSeq gets the next
// sequence number of the channel.
func (c *Channel) Send(m Message) error {
	if m.Role() != c.role {
		return fmt.Errorf("%w: %v message on %v channel", ErrWrongChannel, m.Role(), c.role)
	}
	if f, ok := m.(*Formatted); ok && f.MSeq == 0 {
		f.MSeq = c.nextSeq()
	}
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if err := transport.WriteFull(c.h, frame, c.cfg.writeTimeout); err != nil {
		return fmt.Errorf("send %v: %w", m, err)
	}
	c.cfg.log.Debug().Msgf("sent %v", m)
	if c.cfg.metrics {
		metrics.RecordMessage(c.role.String(), "tx")
	}
	return nil
}

// Recv returns the next message, waiting at most timeout for each read.
func (c *Channel) Recv(timeout time.Duration) (Message, error) {
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m, nil
	}
	return c.readMessage(timeout)
}

// Request sends m and waits for its response: the formatted message
// whose ASeq equals m's MSeq, or the raw-access message with m's ID.
// Other messages received meanwhile are kept for Recv.
func (c *Channel) Request(m Message, timeout time.Duration) (Message, error) {
	if err := c.Send(m); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("response to %v: %w", m, transport.ErrTimedOut)
		}
		resp, err := c.readMessage(left)
		if err != nil {
			return nil, err
		}
		if answers(m, resp) {
			return resp, nil
		}
		c.cfg.log.Debug().Msgf("queued unrelated %v", resp)
		c.pending = append(c.pending, resp)
	}
}

func answers(req, resp Message) bool {
	switch req := req.(type) {
	case *Formatted:
		r, ok := resp.(*Formatted)
		return ok && r.ASeq == req.MSeq
	case *RawAccess:
		r, ok := resp.(*RawAccess)
		return ok && r.ID == req.ID
	}
	return false
}

// fill reads until rx holds n bytes.
func (c *Channel) fill(n int, timeout time.Duration) error {
	for len(c.rx) < n {
		size := n - len(c.rx)
		if size < readSize {
			size = readSize
		}
		buf := make([]byte, size)
		got, err := c.h.Read(buf, timeout)
		if err != nil {
			return err
		}
		if got == 0 {
			return transport.ErrTimedOut
		}
		c.rx = append(c.rx, buf[:got]...)
	}
	return nil
}

func (c *Channel) readMessage(timeout time.Duration) (Message, error) {
	hs := c.role.headerSize()
	if err := c.fill(hs, timeout); err != nil {
		return nil, err
	}
	length := declaredLength(c.role, c.rx)
	if err := checkLength(c.role, length); err != nil {
		// The stream position is lost; drop what was buffered.
		c.rx = nil
		c.decodeError(err)
		return nil, err
	}
	if err := c.fill(length, timeout); err != nil {
		return nil, err
	}
	frame := c.rx[:length]
	c.rx = append([]byte(nil), c.rx[length:]...)
	m, err := Decode(c.role, frame)
	if err != nil {
		c.decodeError(err)
		return nil, err
	}
	c.cfg.log.Debug().Msgf("received %v", m)
	if c.cfg.metrics {
		metrics.RecordMessage(c.role.String(), "rx")
	}
	return m, nil
}

func (c *Channel) decodeError(err error) {
	c.cfg.log.Warn().Err(err).Msg("dropping malformed frame")
	if c.cfg.metrics {
		metrics.RecordDecodeError(c.role.String())
	}
}

// Close closes the handle.
func (c *Channel) Close() error {
	c.rx, c.pending = nil, nil
	if err := c.h.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
