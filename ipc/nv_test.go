// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/nvdata"
	"github.com/openchirp/xmmboot/transport"
	"github.com/openchirp/xmmboot/transport/transporttest"
)

type memStore []byte

func (m memStore) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(m)) {
		return 0, io.EOF
	}
	return copy(b, m[off:]), nil
}

func (m memStore) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(m)) {
		return 0, errors.New("write past end")
	}
	return copy(m[off:], b), nil
}

func nvRequest(id, cmd uint8, offset, length uint32, data []byte) *RawAccess {
	p := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint32(p, offset)
	binary.LittleEndian.PutUint32(p[4:], length)
	return &RawAccess{ID: id, Cmd: cmd, Payload: append(p, data...)}
}

func confirm(ok byte, offset, length uint32, data []byte) []byte {
	p := []byte{ok, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(p[1:], offset)
	binary.LittleEndian.PutUint32(p[5:], length)
	return append(p, data...)
}

func TestNVHandle(t *testing.T) {
	store := memStore(bytes.Repeat([]byte{0x5A}, 0x100))
	copy(store[0x10:], "IMEI")
	svc := NewNVService(nil, store, zerolog.Nop())

	tests := []struct {
		name string
		req  *RawAccess
		want *RawAccess
	}{
		{
			name: "read",
			req:  nvRequest(9, NVReadItem, 0x10, 4, nil),
			want: &RawAccess{ID: 9, Cmd: NVReadItem, Payload: confirm(1, 0x10, 4, []byte("IMEI"))},
		},
		{
			name: "read out of range",
			req:  nvRequest(10, NVReadItem, 0xFE, 4, nil),
			want: &RawAccess{ID: 10, Cmd: NVReadItem, Payload: confirm(0, 0xFE, 4, make([]byte, 4))},
		},
		{
			name: "write",
			req:  nvRequest(11, NVWriteItem, 0x20, 3, []byte{1, 2, 3}),
			want: &RawAccess{ID: 11, Cmd: NVWriteItem, Payload: confirm(1, 0x20, 3, nil)},
		},
		{
			name: "write out of range",
			req:  nvRequest(12, NVWriteItem, 0xFF, 2, []byte{1, 2}),
			want: &RawAccess{ID: 12, Cmd: NVWriteItem, Payload: confirm(0, 0xFF, 2, nil)},
		},
	}
	for _, test := range tests {
		got, err := svc.Handle(test.req)
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", test.name, diff)
		}
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, []byte(store[0x20:0x23])); diff != "" {
		t.Errorf("store after write (-want +got):\n%s", diff)
	}

	bad := []*RawAccess{
		{ID: 1, Cmd: 0x05},
		{ID: 1, Cmd: NVReadItem, Payload: []byte{0, 0}},
		nvRequest(1, NVWriteItem, 0, 8, []byte{1}),
		nvRequest(1, NVReadItem, 0, RawAccessMax, nil),
	}
	for _, req := range bad {
		if _, err := svc.Handle(req); !errors.Is(err, ErrBadRequest) {
			t.Errorf("Handle(%v) err = %v, want ErrBadRequest", req, err)
		}
	}
}

func TestNVServeWithCalibrationFile(t *testing.T) {
	dir := t.TempDir()
	cfg := nvdata.DefaultConfig()
	cfg.Path = filepath.Join(dir, "nv_data.bin")
	cfg.MD5Path = filepath.Join(dir, "nv_data.bin.md5")
	cfg.Size = 0x1000
	if err := os.WriteFile(cfg.Path, make([]byte, cfg.Size), 0o644); err != nil {
		t.Fatal(err)
	}
	prov := nvdata.New(cfg, zerolog.Nop())
	if err := prov.Generate(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var replies []Message
	respond := func(h *transporttest.Handle, w []byte) {
		m, err := Decode(RoleRawAccess, w)
		if err != nil {
			t.Errorf("reply %x: %v", w, err)
		}
		replies = append(replies, m)
		if len(replies) == 2 {
			cancel()
		}
	}
	h := transporttest.NewHandle(transport.RawAccess, respond)
	h.Queue(
		mustEncode(t, nvRequest(1, NVWriteItem, 0x100, 2, []byte{0xCA, 0xFE})),
		[]byte{0x00, 0x00, 0x08, 0x00, 0x01, 0x03}, // oversize header, skipped
		mustEncode(t, nvRequest(2, NVReadItem, 0x100, 2, nil)),
	)
	svc := NewNVService(NewChannel(h, RoleRawAccess), prov, zerolog.Nop())

	if err := svc.Serve(ctx, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve err = %v, want context.Canceled", err)
	}
	want := []Message{
		&RawAccess{ID: 1, Cmd: NVWriteItem, Payload: confirm(1, 0x100, 2, nil)},
		&RawAccess{ID: 2, Cmd: NVReadItem, Payload: confirm(1, 0x100, 2, []byte{0xCA, 0xFE})},
	}
	if diff := cmp.Diff(want, replies); diff != "" {
		t.Errorf("replies (-want +got):\n%s", diff)
	}
	if !prov.Verify() {
		t.Error("calibration digest not regenerated after NV write")
	}
}
