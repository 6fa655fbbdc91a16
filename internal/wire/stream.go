package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MaxLineSize bounds a single text message. Manifests for large trees are the biggest lines.
	MaxLineSize = 64 << 20

	// NextSyncLayout is an ISO-8601 local date-time without zone.
	NextSyncLayout = "2006-01-02T15:04:05.999999999"
)

// accepted layouts when parsing; peers may drop seconds when they are zero
var nextSyncLayouts = []string{
	NextSyncLayout,
	"2006-01-02T15:04",
}

// Stream is a buffered, line oriented view of a connection that also carries binary frames.
// Text lines and frames share the same buffers, so bytes read ahead while looking for a
// newline are never lost to the frame reader.
type Stream struct {
	r *bufio.Reader
	w *bufio.Writer
}

func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{
		r: bufio.NewReaderSize(rw, CopyBufferSize),
		w: bufio.NewWriterSize(rw, CopyBufferSize),
	}
}

// Reader returns the buffered reader for binary frames.
func (s *Stream) Reader() io.Reader {
	return s.r
}

// Writer returns the buffered writer for binary frames. Callers must Flush.
func (s *Stream) Writer() io.Writer {
	return s.w
}

func (s *Stream) Flush() error {
	return s.w.Flush()
}

// WriteLine writes a newline terminated line and flushes it.
func (s *Stream) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: line contains a line break", ErrMalformed)
	}
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// ReadLine reads one line without its terminator.
func (s *Stream) ReadLine() (string, error) {
	var buf bytes.Buffer
	for {
		chunk, err := s.r.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > MaxLineSize {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, MaxLineSize)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && buf.Len() > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line := buf.Bytes()
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), nil
}

// WriteJSON encodes v on a single line.
func (s *Stream) WriteJSON(v any) error {
	data, err := jsonMarshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return s.WriteLine(string(data))
}

// ReadJSON reads one line and decodes it into v.
func (s *Stream) ReadJSON(v any) error {
	line, err := s.ReadLine()
	if err != nil {
		return err
	}
	if err := jsonUnmarshal([]byte(line), v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", ErrMalformed, v, err)
	}
	return nil
}

// FormatNextSync renders t in the local zone without zone information.
func FormatNextSync(t time.Time) string {
	return t.Local().Format(NextSyncLayout)
}

// ParseNextSync parses a local date-time produced by FormatNextSync or a compatible peer.
func ParseNextSync(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range nextSyncLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: next sync time %q", ErrMalformed, s)
}

// EncodeDiscovery returns the datagram payload for msg.
func EncodeDiscovery(msg DiscoveryMessage) ([]byte, error) {
	return jsonMarshal(msg)
}

// DecodeDiscovery parses a datagram. Payloads without a type are malformed.
func DecodeDiscovery(data []byte) (DiscoveryMessage, error) {
	var msg DiscoveryMessage
	if err := jsonUnmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}
