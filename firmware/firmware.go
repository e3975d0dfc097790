// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package firmware gives read-only access to a modem firmware image and
// the named regions inside it.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// ErrImage is wrapped by every error about the image or its layout.
var ErrImage = errors.New("firmware image")

var (
	ErrOutOfBounds = fmt.Errorf("%w: region out of bounds", ErrImage)
	ErrOverlap     = fmt.Errorf("%w: regions overlap", ErrImage)
	ErrTruncated   = fmt.Errorf("%w: shorter than declared size", ErrImage)
	ErrNoRegion    = fmt.Errorf("%w: region not defined", ErrImage)
)

// Region is a named byte range of the image.
type Region struct {
	Name   string `toml:"name"`
	Offset int64  `toml:"offset"`
	Length int64  `toml:"length"`
}

func (r Region) End() int64 {
	return r.Offset + r.Length
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%x:0x%x]", r.Name, r.Offset, r.End())
}

func (r Region) within(size int64) bool {
	return r.Offset >= 0 && r.Length > 0 && r.End() <= size && r.End() > r.Offset
}

// ValidateLayout checks that every region lies in [0, size) and that
// no two regions overlap.
func ValidateLayout(size int64, regions []Region) error {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	for _, r := range sorted {
		if !r.within(size) {
			return fmt.Errorf("%w: %v in image of 0x%x bytes", ErrOutOfBounds, r, size)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Offset < sorted[i-1].End() {
			return fmt.Errorf("%w: %v and %v", ErrOverlap, sorted[i-1], sorted[i])
		}
	}
	return nil
}

// Image is a read-only view of firmware bytes, memory-mapped when the
// source allows it.
type Image struct {
	data   []byte
	mapped bool
	path   string
}

// FromBytes wraps b without copying it.
func FromBytes(b []byte) *Image {
	return &Image{data: b}
}

// Open maps size bytes of the image at path. A size of zero maps the
// whole file. Files and block devices that cannot be mapped are read
// into memory instead.
func Open(path string, size int64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Block devices report a zero size through stat.
	actual, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("firmware: size of %s: %w", path, err)
	}
	if size == 0 {
		size = actual
	}
	if actual < size {
		return nil, fmt.Errorf("%w: %s has 0x%x bytes, need 0x%x", ErrTruncated, path, actual, size)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrTruncated, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return &Image{data: data, mapped: true, path: path}, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("firmware: rewind %s: %w", path, err)
	}
	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("firmware: read %s: %w", path, err)
	}
	return &Image{data: data, path: path}, nil
}

func (img *Image) Len() int {
	return len(img.data)
}

// Mapped reports whether the image is backed by a memory mapping.
func (img *Image) Mapped() bool {
	return img.mapped
}

// Region returns the bytes of r without copying.
func (img *Image) Region(r Region) ([]byte, error) {
	if img.data == nil {
		return nil, fmt.Errorf("%w: image closed", ErrImage)
	}
	if !r.within(int64(len(img.data))) {
		return nil, fmt.Errorf("%w: %v in image of 0x%x bytes", ErrOutOfBounds, r, len(img.data))
	}
	return img.data[r.Offset:r.End():r.End()], nil
}

// Close releases the mapping. Regions returned earlier must not be used
// afterwards.
func (img *Image) Close() error {
	data := img.data
	img.data = nil
	if img.mapped && data != nil {
		img.mapped = false
		return unix.Munmap(data)
	}
	return nil
}
