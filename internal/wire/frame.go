package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// CopyBufferSize is the chunk size used when streaming file bytes.
const CopyBufferSize = 8192

var (
	ErrShortBody  = errors.New("file body shorter than declared length")
	ErrLocalWrite = errors.New("local write failed")
)

// FrameHeader precedes the bytes of one transferred file:
// 2-byte path length, path bytes, 8-byte length, 8-byte mtime millis. All big-endian.
type FrameHeader struct {
	Path    string
	Length  int64
	ModTime int64
}

// Record returns the header as a FileRecord.
func (h FrameHeader) Record() FileRecord {
	return FileRecord{Path: h.Path, ModTime: h.ModTime}
}

// WriteCount declares how many frames follow.
func WriteCount(w io.Writer, n int) error {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return fmt.Errorf("frame count %d out of range", n)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	_, err := w.Write(buf[:])
	return err
}

func ReadCount(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteString writes a length prefixed UTF-8 string.
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrPathTooLong
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return err
}

func ReadString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", noEOF(err)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: path is not valid UTF-8", ErrMalformed)
	}
	return string(buf), nil
}

func WriteHeader(w io.Writer, h FrameHeader) error {
	if h.Length < 0 {
		return ErrNegativeValue
	}
	if err := WriteString(w, h.Path); err != nil {
		return err
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Length))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.ModTime))
	_, err := w.Write(buf[:])
	return err
}

func ReadHeader(r io.Reader) (FrameHeader, error) {
	var h FrameHeader
	p, err := ReadString(r)
	if err != nil {
		return h, err
	}
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return h, noEOF(err)
	}
	h.Path = p
	h.Length = int64(binary.BigEndian.Uint64(buf[0:8]))
	h.ModTime = int64(binary.BigEndian.Uint64(buf[8:16]))
	if h.Length < 0 {
		return h, fmt.Errorf("%w: %s", ErrNegativeValue, h.Path)
	}
	return h, nil
}

// WriteFrame writes the header and exactly h.Length bytes from body.
// A body that ends early leaves the stream unusable and returns ErrShortBody.
func WriteFrame(w io.Writer, h FrameHeader, body io.Reader) (int64, error) {
	if err := WriteHeader(w, h); err != nil {
		return 0, err
	}
	buf := make([]byte, CopyBufferSize)
	n, err := io.CopyBuffer(w, io.LimitReader(body, h.Length), buf)
	if err != nil {
		return n, err
	}
	if n != h.Length {
		return n, fmt.Errorf("%w: %s sent %d of %d bytes", ErrShortBody, h.Path, n, h.Length)
	}
	return n, nil
}

// ReadFrameBody copies exactly h.Length bytes from r into dst, whatever chunk sizes r delivers.
// It returns io.ErrUnexpectedEOF when the stream ends first. When dst fails, the rest of the
// frame is drained so the next header stays aligned, and the error wraps ErrLocalWrite.
func ReadFrameBody(r io.Reader, h FrameHeader, dst io.Writer) (int64, error) {
	src := &io.LimitedReader{R: r, N: h.Length}
	sink := &errWriter{w: dst}
	buf := make([]byte, CopyBufferSize)
	n, err := io.CopyBuffer(sink, src, buf)
	if sink.err != nil {
		if derr := DiscardFrameBody(r, src.N); derr != nil {
			return n, derr
		}
		return n, fmt.Errorf("%w: %v", ErrLocalWrite, sink.err)
	}
	if err != nil {
		return n, noEOF(err)
	}
	if n != h.Length {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		e.err = err
	}
	return n, err
}

// DiscardFrameBody skips the remaining bytes of a frame so the next header stays aligned.
func DiscardFrameBody(r io.Reader, remaining int64) error {
	n, err := io.CopyN(io.Discard, r, remaining)
	if err != nil {
		return noEOF(err)
	}
	if n != remaining {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
