// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nvdata guards the modem calibration file.
//
// The calibration file is paired with a digest file holding the
// lowercase hex MD5 of the file contents followed by a secret string.
// A backup pair is kept next to it and restores the primary when the
// primary is missing, mis-sized or fails its digest.
package nvdata

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ErrIntegrity is wrapped by every error about calibration content.
var ErrIntegrity = errors.New("calibration integrity")

var (
	ErrMissing   = fmt.Errorf("%w: file missing", ErrIntegrity)
	ErrSize      = fmt.Errorf("%w: wrong size", ErrIntegrity)
	ErrDigest    = fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	ErrNoBackup  = fmt.Errorf("%w: no valid backup", ErrIntegrity)
	ErrBadAccess = errors.New("nvdata: access outside calibration data")
)

const (
	DefaultSecret    = "Samsung_Android_RIL"
	DefaultSize      = 0x200000
	DefaultChunkSize = 0x1000
)

// Config names the calibration file set.
type Config struct {
	Path          string `toml:"path"`
	MD5Path       string `toml:"md5_path"`
	BackupPath    string `toml:"backup_path"`
	BackupMD5Path string `toml:"backup_md5_path"`
	Secret        string `toml:"secret"`
	Size          int64  `toml:"size"`
	ChunkSize     int    `toml:"chunk_size"`
}

// DefaultConfig returns the stock /efs file set.
func DefaultConfig() Config {
	return Config{
		Path:          "/efs/nv_data.bin",
		MD5Path:       "/efs/nv_data.bin.md5",
		BackupPath:    "/efs/.nv_data.bak",
		BackupMD5Path: "/efs/.nv_data.bak.md5",
		Secret:        DefaultSecret,
		Size:          DefaultSize,
		ChunkSize:     DefaultChunkSize,
	}
}

// Digest returns the lowercase hex MD5 of data followed by secret.
func Digest(data []byte, secret string) string {
	h := md5.New()
	h.Write(data)
	io.WriteString(h, secret)
	return hex.EncodeToString(h.Sum(nil))
}

// Provider verifies, loads and repairs the calibration file set.
type Provider struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Provider {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Provider{cfg: cfg, log: log}
}

func (p *Provider) Config() Config {
	return p.cfg
}

// readFile reads exactly the configured size in chunk-sized reads.
func (p *Provider) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Mode().IsRegular() && st.Size() != p.cfg.Size {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrSize, path,
			humanize.IBytes(uint64(st.Size())), humanize.IBytes(uint64(p.cfg.Size)))
	}

	data := make([]byte, p.cfg.Size)
	for off := 0; off < len(data); off += p.cfg.ChunkSize {
		end := off + p.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := io.ReadFull(f, data[off:end]); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrSize, path, err)
		}
	}
	return data, nil
}

func readDigest(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b)), nil
}

// writeDigest stores the hex digest with its terminating NUL.
func writeDigest(path, digest string) error {
	return os.WriteFile(path, append([]byte(digest), 0), 0o644)
}

// check loads the pair and compares the stored digest.
func (p *Provider) check(path, md5Path string) ([]byte, error) {
	data, err := p.readFile(path)
	if err != nil {
		return nil, err
	}
	stored, err := readDigest(md5Path)
	if err != nil {
		return nil, err
	}
	if computed := Digest(data, p.cfg.Secret); computed != stored {
		return nil, fmt.Errorf("%w: %s computed %s, stored %s", ErrDigest, path, computed, stored)
	}
	return data, nil
}

// Verify reports whether the primary file and its digest agree. It has
// no side effects.
func (p *Provider) Verify() bool {
	_, err := p.check(p.cfg.Path, p.cfg.MD5Path)
	if err != nil {
		p.log.Debug().Err(err).Msg("calibration verify failed")
		return false
	}
	return true
}

// Load returns the verified primary contents, restoring the primary
// from the backup first when it does not verify.
func (p *Provider) Load() ([]byte, error) {
	data, err := p.check(p.cfg.Path, p.cfg.MD5Path)
	if err == nil {
		return data, nil
	}
	p.log.Warn().Err(err).Str("path", p.cfg.Path).Msg("calibration data invalid, restoring backup")
	if rerr := p.Restore(); rerr != nil {
		return nil, fmt.Errorf("nvdata: load: %w", rerr)
	}
	data, err = p.check(p.cfg.Path, p.cfg.MD5Path)
	if err != nil {
		return nil, fmt.Errorf("nvdata: load after restore: %w", err)
	}
	return data, nil
}

// Restore copies a verified backup over the primary pair.
func (p *Provider) Restore() error {
	data, err := p.check(p.cfg.BackupPath, p.cfg.BackupMD5Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoBackup, err)
	}
	if err := os.WriteFile(p.cfg.Path, data, 0o644); err != nil {
		return fmt.Errorf("nvdata: restore %s: %w", p.cfg.Path, err)
	}
	if err := writeDigest(p.cfg.MD5Path, Digest(data, p.cfg.Secret)); err != nil {
		return fmt.Errorf("nvdata: restore %s: %w", p.cfg.MD5Path, err)
	}
	p.log.Info().Str("path", p.cfg.Path).Msg("calibration data restored from backup")
	return nil
}

// Backup copies the verified primary over the backup pair.
func (p *Provider) Backup() error {
	data, err := p.check(p.cfg.Path, p.cfg.MD5Path)
	if err != nil {
		return fmt.Errorf("nvdata: backup: %w", err)
	}
	if err := os.WriteFile(p.cfg.BackupPath, data, 0o644); err != nil {
		return fmt.Errorf("nvdata: backup %s: %w", p.cfg.BackupPath, err)
	}
	if err := writeDigest(p.cfg.BackupMD5Path, Digest(data, p.cfg.Secret)); err != nil {
		return fmt.Errorf("nvdata: backup %s: %w", p.cfg.BackupMD5Path, err)
	}
	p.log.Info().Str("path", p.cfg.BackupPath).Msg("calibration backup written")
	return nil
}

// Generate recomputes the primary digest from the current contents.
func (p *Provider) Generate() error {
	data, err := p.readFile(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("nvdata: generate: %w", err)
	}
	digest := Digest(data, p.cfg.Secret)
	if err := writeDigest(p.cfg.MD5Path, digest); err != nil {
		return fmt.Errorf("nvdata: generate: %w", err)
	}
	p.log.Debug().Str("digest", digest).Msg("calibration digest generated")
	return nil
}

// Size returns the calibration data size.
func (p *Provider) Size() int64 {
	return p.cfg.Size
}

func (p *Provider) bounds(off int64, n int) error {
	if off < 0 || n <= 0 || off+int64(n) > p.cfg.Size {
		return fmt.Errorf("%w: offset 0x%x length 0x%x", ErrBadAccess, off, n)
	}
	return nil
}

// ReadAt reads an item from the primary file.
func (p *Provider) ReadAt(b []byte, off int64) (int, error) {
	if err := p.bounds(off, len(b)); err != nil {
		return 0, err
	}
	f, err := os.Open(p.cfg.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(b, off)
}

// WriteAt writes an item into the primary file and regenerates its
// digest.
func (p *Provider) WriteAt(b []byte, off int64) (int, error) {
	if err := p.bounds(off, len(b)); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p.cfg.Path, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(b, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, p.Generate()
}
