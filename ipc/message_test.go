// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFormattedRoundTrip(t *testing.T) {
	m := &Formatted{MSeq: 3, ASeq: 0, Group: GroupNET, Index: 0x01, Type: TypeGet, Payload: []byte{1, 2, 3}}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{
		0x0A, 0x00, // length
		0x03,       // mseq
		0x00,       // aseq
		0x08, 0x01, // NET/0x01
		0x02,       // GET
		1, 2, 3,
	}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("frame (-want +got):\n%s", diff)
	}
	got, err := Decode(RoleFormatted, frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(Message(m), got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if cmd := m.Command(); cmd != 0x0801 {
		t.Errorf("Command = 0x%04X, want 0x0801", cmd)
	}
}

func TestRawAccessLayout(t *testing.T) {
	m := &RawAccess{ID: 7, Cmd: NVReadItem, Payload: []byte{0xAA, 0xBB}}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x08, 0x00, 0x00, 0x00, 0x01, 0x07, 0xAA, 0xBB}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("frame (-want +got):\n%s", diff)
	}
	got, err := Decode(RoleRawAccess, frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(Message(m), got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if cmd := m.Command(); cmd != 0x4201 {
		t.Errorf("Command = 0x%04X, want 0x4201", cmd)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		role  Role
		frame []byte
	}{
		{"truncated header", RoleFormatted, []byte{0x07, 0x00, 0x01}},
		{"length below header", RoleFormatted, []byte{0x03, 0x00, 0x01, 0x00, 0x08, 0x01, 0x02}},
		{"length mismatch", RoleFormatted, []byte{0x09, 0x00, 0x01, 0x00, 0x08, 0x01, 0x02, 0xFF}},
		{"raw access oversize", RoleRawAccess, []byte{0x00, 0x00, 0x08, 0x00, 0x01, 0x01}},
	}
	for _, test := range tests {
		_, err := Decode(test.role, test.frame)
		var perr *ProtocolError
		if !errors.As(err, &perr) || !errors.Is(err, ErrProtocol) {
			t.Errorf("%s: err = %v, want *ProtocolError", test.name, err)
		}
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	if _, err := Encode(&Formatted{Payload: make([]byte, FormattedMax)}); !errors.Is(err, ErrProtocol) {
		t.Errorf("formatted: err = %v, want ErrProtocol", err)
	}
	if _, err := Encode(&RawAccess{Payload: make([]byte, RawAccessMax-RawAccessHeaderSize)}); !errors.Is(err, ErrProtocol) {
		t.Errorf("raw access: err = %v, want ErrProtocol", err)
	}
}

func TestGroupString(t *testing.T) {
	if got := GroupRFS.String(); got != "RFS" {
		t.Errorf("GroupRFS = %q", got)
	}
	if got := Group(0x77).String(); got != "GROUP(0x77)" {
		t.Errorf("unknown group = %q", got)
	}
}
