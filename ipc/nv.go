// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/transport"
)

// RFS commands
const (
	NVReadItem  uint8 = 0x01
	NVWriteItem uint8 = 0x02
)

const (
	nvRequestSize = 8
	nvConfirmSize = 9

	// maxNVItem keeps a read confirm inside one raw-access frame.
	maxNVItem = RawAccessMax - 1 - RawAccessHeaderSize - nvConfirmSize
)

var ErrBadRequest = fmt.Errorf("%w: malformed NV item request", ErrProtocol)

// NVStore holds the items the modem reads and writes.
type NVStore interface {
	io.ReaderAt
	io.WriterAt
}

// NVService answers the modem's NV item requests on a raw-access
// channel.
type NVService struct {
	ch    *Channel
	store NVStore
	log   zerolog.Logger
}

func NewNVService(ch *Channel, store NVStore, log zerolog.Logger) *NVService {
	return &NVService{ch: ch, store: store, log: log.With().Str("service", "nv").Logger()}
}

// Handle builds the confirm for req. Failed accesses are confirmed with
// a zero status; read confirms then carry zeroed data.
func (s *NVService) Handle(req *RawAccess) (*RawAccess, error) {
	if req.Cmd != NVReadItem && req.Cmd != NVWriteItem {
		return nil, fmt.Errorf("%w: unsupported command 0x%02X", ErrBadRequest, req.Cmd)
	}
	if len(req.Payload) < nvRequestSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrBadRequest, len(req.Payload))
	}
	le := binary.LittleEndian
	offset := le.Uint32(req.Payload[0:])
	length := le.Uint32(req.Payload[4:])

	reply := &RawAccess{ID: req.ID, Cmd: req.Cmd}
	confirm := make([]byte, nvConfirmSize)
	le.PutUint32(confirm[1:], offset)
	le.PutUint32(confirm[5:], length)

	switch req.Cmd {
	case NVReadItem:
		if length > maxNVItem {
			return nil, fmt.Errorf("%w: read of %s", ErrBadRequest, humanize.IBytes(uint64(length)))
		}
		data := make([]byte, length)
		if _, err := s.store.ReadAt(data, int64(offset)); err != nil {
			s.log.Error().Err(err).Uint32("offset", offset).Uint32("length", length).Msg("NV item read failed")
			clear(data)
		} else {
			confirm[0] = 1
			s.log.Debug().Uint32("offset", offset).Str("size", humanize.IBytes(uint64(length))).Msg("NV item read")
		}
		reply.Payload = append(confirm, data...)
	case NVWriteItem:
		data := req.Payload[nvRequestSize:]
		if uint32(len(data)) != length {
			return nil, fmt.Errorf("%w: write declares %d bytes, carries %d", ErrBadRequest, length, len(data))
		}
		if _, err := s.store.WriteAt(data, int64(offset)); err != nil {
			s.log.Error().Err(err).Uint32("offset", offset).Uint32("length", length).Msg("NV item write failed")
		} else {
			confirm[0] = 1
			s.log.Debug().Uint32("offset", offset).Str("size", humanize.IBytes(uint64(length))).Msg("NV item written")
		}
		reply.Payload = confirm
	}
	return reply, nil
}

// Serve answers requests until ctx is done or the channel fails. Each
// wait for a request lasts at most poll. Malformed requests and frames
// are logged and skipped.
func (s *NVService) Serve(ctx context.Context, poll time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := s.ch.Recv(poll)
		switch {
		case errors.Is(err, transport.ErrTimedOut):
			continue
		case errors.Is(err, ErrProtocol):
			continue
		case err != nil:
			return err
		}
		req, ok := m.(*RawAccess)
		if !ok {
			continue
		}
		reply, err := s.Handle(req)
		if err != nil {
			s.log.Warn().Err(err).Msgf("ignoring %v", req)
			continue
		}
		if err := s.ch.Send(reply); err != nil {
			return err
		}
	}
}
