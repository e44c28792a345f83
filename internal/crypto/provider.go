package crypto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// EncryptedSuffix is appended to the path of every encrypted artifact.
const EncryptedSuffix = ".wenc"

var magic = []byte("WENC")

const formatVersion = 1

// ErrNotEncrypted is returned when a file lacks the encrypted artifact header.
var ErrNotEncrypted = errors.New("crypto: not an encrypted artifact")

// EncryptResult describes an encrypted artifact written next to its source.
type EncryptResult struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata"`
}

// IntegrityResult reports whether an encrypted artifact authenticates.
type IntegrityResult struct {
	IsValid bool   `json:"is_valid"`
	Details string `json:"details"`
}

// Provider encrypts and decrypts backup artifacts on disk.
type Provider interface {
	Encrypt(path string) (*EncryptResult, error)
	Decrypt(path string) (string, error)
	VerifyIntegrity(path string) (*IntegrityResult, error)
}

// ProviderConfig configures a FileProvider.
type ProviderConfig struct {
	Key              []byte
	CompressionLevel int
	ChunkSize        int
	RemovePlaintext  bool
}

// FileProvider compresses artifacts with zstd and seals them with
// XChaCha20-Poly1305 in fixed size records.
type FileProvider struct {
	key        []byte
	keyID      string
	compressor *ZstdCompressor
	chunkSize  int
	removeSrc  bool
}

// NewFileProvider validates the key and builds a provider.
func NewFileProvider(cfg ProviderConfig) (*FileProvider, error) {
	if len(cfg.Key) != 32 {
		return nil, ErrInvalidKey
	}
	compressor := DefaultZstdCompressor()
	if cfg.CompressionLevel != 0 {
		c, err := NewZstdCompressor(cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		compressor = c
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &FileProvider{
		key:        append([]byte(nil), cfg.Key...),
		keyID:      KeyID(cfg.Key),
		compressor: compressor,
		chunkSize:  chunk,
		removeSrc:  cfg.RemovePlaintext,
	}, nil
}

func (p *FileProvider) header() []byte {
	h := make([]byte, len(magic)+1+4)
	copy(h, magic)
	h[len(magic)] = formatVersion
	binary.BigEndian.PutUint32(h[len(magic)+1:], uint32(p.chunkSize))
	return h
}

// Encrypt writes path+".wenc" and returns its location.
func (p *FileProvider) Encrypt(path string) (*EncryptResult, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: open source: %w", err)
	}
	defer src.Close()

	out := path + EncryptedSuffix
	var size int64
	err = writeAtomic(out, func(w io.Writer) error {
		header := p.header()
		if _, err := w.Write(header); err != nil {
			return err
		}
		sw, err := newSealWriter(w, p.key, header, p.chunkSize)
		if err != nil {
			return err
		}
		n, err := p.compressor.CompressStream(sw, src)
		if err != nil {
			return err
		}
		size = n
		return sw.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt %s: %w", path, err)
	}

	if p.removeSrc {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("crypto: remove plaintext: %w", err)
		}
	}

	return &EncryptResult{
		Path: out,
		Metadata: map[string]string{
			"algorithm":     "xchacha20-poly1305",
			"compression":   "zstd",
			"key_id":        p.keyID,
			"original_size": strconv.FormatInt(size, 10),
			"chunk_size":    strconv.Itoa(p.chunkSize),
		},
	}, nil
}

// Decrypt restores the plaintext next to the encrypted file and returns its path.
func (p *FileProvider) Decrypt(path string) (string, error) {
	out := strings.TrimSuffix(path, EncryptedSuffix)
	if out == path {
		out = path + ".dec"
	}

	err := writeAtomic(out, func(w io.Writer) error {
		return p.open(path, w)
	})
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt %s: %w", path, err)
	}
	return out, nil
}

// VerifyIntegrity authenticates every record without writing plaintext.
func (p *FileProvider) VerifyIntegrity(path string) (*IntegrityResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("crypto: stat %s: %w", path, err)
	}
	if err := p.open(path, io.Discard); err != nil {
		return &IntegrityResult{IsValid: false, Details: err.Error()}, nil
	}
	return &IntegrityResult{IsValid: true, Details: "all records authenticated"}, nil
}

func (p *FileProvider) open(path string, dst io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, len(magic)+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return ErrNotEncrypted
	}
	if !bytes.Equal(header[:len(magic)], magic) || header[len(magic)] != formatVersion {
		return ErrNotEncrypted
	}
	chunk := int(binary.BigEndian.Uint32(header[len(magic)+1:]))

	or, err := newOpenReader(r, p.key, header, chunk)
	if err != nil {
		return err
	}
	_, err = p.compressor.DecompressStream(dst, or)
	return err
}

func writeAtomic(path string, fn func(w io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
