// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"encoding/binary"

	"github.com/openchirp/xmmboot/profile"
)

const psiMagic byte = 0x30

const psiPadding byte = 0xFF

// xorSum returns the XOR of every byte of data. It protects the PSI and
// the EBL uploads.
func xorSum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// commandChecksum is the 16-bit additive checksum of a boot command:
// the payload length, the code and every payload byte, wrapping.
func commandChecksum(code uint16, payload []byte) uint16 {
	sum := uint16(len(payload)&0xFFFF) + code
	for _, b := range payload {
		sum += uint16(b)
	}
	return sum
}

// psiHeader announces a PSI of n bytes.
func psiHeader(d profile.Dialect, n int) []byte {
	if d == profile.MIPI {
		return []byte{psiPadding, byte(n >> 8), byte(n), psiMagic}
	}
	return []byte{psiMagic, byte(n), byte(n >> 8), psiPadding}
}

// psiTrailer encodes the PSI checksum in the profile's variant.
func psiTrailer(v profile.ChecksumVariant, sum byte) []byte {
	if v == profile.ChecksumWord {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(sum)<<24|0xFFFFFF)
		return b
	}
	return []byte{sum}
}
