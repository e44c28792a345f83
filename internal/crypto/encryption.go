package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultChunkSize is the plaintext size of one sealed record.
const DefaultChunkSize = 1 << 20

var (
	ErrInvalidKey    = errors.New("crypto: key must be 32 bytes")
	ErrTruncated     = errors.New("crypto: ciphertext truncated")
	ErrCorruptRecord = errors.New("crypto: record authentication failed")
)

// Sealed streams are a sequence of records:
//
//	uint32 length | 24 byte nonce | ciphertext
//
// Each record is authenticated with its index and a final flag so records
// cannot be reordered, dropped or appended.

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}

func recordAAD(header []byte, index uint64, final bool) []byte {
	aad := make([]byte, len(header)+9)
	copy(aad, header)
	binary.BigEndian.PutUint64(aad[len(header):], index)
	if final {
		aad[len(aad)-1] = 1
	}
	return aad
}

// sealWriter buffers plaintext and writes sealed records. The last record is
// only sealed on Close, which marks it final.
type sealWriter struct {
	w         io.Writer
	aead      cipher.AEAD
	header    []byte
	chunkSize int
	buf       []byte
	index     uint64
	closed    bool
}

func newSealWriter(w io.Writer, key, header []byte, chunkSize int) (*sealWriter, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &sealWriter{
		w:         w,
		aead:      aead,
		header:    header,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
	}, nil
}

func (s *sealWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("crypto: write to closed writer")
	}
	n := len(p)
	for len(p) > 0 {
		if len(s.buf) == s.chunkSize {
			if err := s.seal(false); err != nil {
				return n - len(p), err
			}
		}
		room := s.chunkSize - len(s.buf)
		if room > len(p) {
			room = len(p)
		}
		s.buf = append(s.buf, p[:room]...)
		p = p[room:]
	}
	return n, nil
}

func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.seal(true)
}

func (s *sealWriter) seal(final bool) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, s.buf, recordAAD(s.header, s.index, final))

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(sealed)))
	for _, part := range [][]byte{length[:], nonce, sealed} {
		if _, err := s.w.Write(part); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	s.index++
	s.buf = s.buf[:0]
	return nil
}

// openReader authenticates and yields the plaintext of a sealed stream. It
// reads one record ahead so it knows which record must carry the final flag.
type openReader struct {
	r      io.Reader
	aead   cipher.AEAD
	header []byte
	index  uint64

	pending   []byte
	next      *rawRecord
	plain     []byte
	done      bool
	primed    bool
	maxRecord int
}

type rawRecord struct {
	nonce  []byte
	sealed []byte
}

func newOpenReader(r io.Reader, key, header []byte, chunkSize int) (*openReader, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &openReader{
		r:         r,
		aead:      aead,
		header:    header,
		maxRecord: chunkSize + aead.Overhead(),
	}, nil
}

func (o *openReader) readRecord() (*rawRecord, error) {
	var length [4]byte
	if _, err := io.ReadFull(o.r, length[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrTruncated
	}
	size := int(binary.BigEndian.Uint32(length[:]))
	if size > o.maxRecord || size < o.aead.Overhead() {
		return nil, ErrCorruptRecord
	}

	rec := &rawRecord{
		nonce:  make([]byte, o.aead.NonceSize()),
		sealed: make([]byte, size),
	}
	if _, err := io.ReadFull(o.r, rec.nonce); err != nil {
		return nil, ErrTruncated
	}
	if _, err := io.ReadFull(o.r, rec.sealed); err != nil {
		return nil, ErrTruncated
	}
	return rec, nil
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.plain) == 0 {
		if o.done {
			return 0, io.EOF
		}
		if err := o.advance(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.plain)
	o.plain = o.plain[n:]
	return n, nil
}

func (o *openReader) advance() error {
	if !o.primed {
		o.primed = true
		first, err := o.readRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrTruncated
			}
			return err
		}
		o.next = first
	}

	current := o.next
	following, err := o.readRecord()
	final := false
	switch {
	case errors.Is(err, io.EOF):
		final = true
		o.next = nil
	case err != nil:
		return err
	default:
		o.next = following
	}

	plain, err := o.aead.Open(o.pending[:0], current.nonce, current.sealed, recordAAD(o.header, o.index, final))
	if err != nil {
		return ErrCorruptRecord
	}
	o.pending = plain
	o.plain = plain
	o.index++
	if final {
		o.done = true
	}
	return nil
}
