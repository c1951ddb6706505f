// Package framing adds message boundaries on top of a seam byte stream.
//
// Transports deliver Received bytes in whatever chunks the network produced,
// so a consumer that needs messages prefixes each Send payload with its
// length and reassembles Received chunks with a Decoder. Each frame is a
// 4-byte big-endian length followed by that many payload bytes.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/seamnet/seam/pkg/server"
)

const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize is the default maximum payload size (64 KB).
	DefaultMaxMessageSize = 65536
)

var (
	// ErrMessageTooLarge indicates the payload exceeds the maximum size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageEmpty indicates an empty payload or a zero length prefix.
	ErrMessageEmpty = errors.New("message is empty")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

// Encode returns payload prefixed with its length, ready to be passed to
// Control.Send.
func Encode(payload []byte) ([]byte, error) {
	return EncodeWithMaxSize(payload, DefaultMaxMessageSize)
}

// EncodeWithMaxSize is Encode with a custom maximum payload size.
func EncodeWithMaxSize(payload []byte, maxSize uint32) ([]byte, error) {
	if err := checkSize(len(payload), maxSize); err != nil {
		return nil, err
	}
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame, nil
}

func checkSize(n int, maxSize uint32) error {
	if n == 0 {
		return ErrMessageEmpty
	}
	if uint64(n) > uint64(maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, maxSize)
	}
	return nil
}

// FrameSize returns the total frame size including the length prefix.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + payloadSize
}

// Decoder reassembles frames from arbitrarily split chunks. It is not safe
// for concurrent use.
type Decoder struct {
	buf            []byte
	maxMessageSize uint32
	err            error
}

// NewDecoder creates a decoder with DefaultMaxMessageSize.
func NewDecoder() *Decoder {
	return NewDecoderWithMaxSize(DefaultMaxMessageSize)
}

// NewDecoderWithMaxSize creates a decoder with a custom max size.
func NewDecoderWithMaxSize(maxSize uint32) *Decoder {
	return &Decoder{maxMessageSize: maxSize}
}

// Feed appends chunk and returns every frame it completed, in order.
//
// A zero or oversized length prefix poisons the decoder: the frames
// completed before it are returned together with the error, and every later
// call returns the same error. The stream cannot be resynchronized.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) >= LengthPrefixSize {
		length := binary.BigEndian.Uint32(d.buf)
		if err := checkSize(int(length), d.maxMessageSize); err != nil {
			d.err = err
			d.buf = nil
			return frames, err
		}
		end := LengthPrefixSize + int(length)
		if len(d.buf) < end {
			break
		}
		frame := make([]byte, length)
		copy(frame, d.buf[LengthPrefixSize:end])
		frames = append(frames, frame)
		d.buf = d.buf[end:]
	}

	// Release the consumed prefix once nothing is pending.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Close reports ErrFrameTruncated if the stream ended inside a frame.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		return ErrFrameTruncated
	}
	return nil
}

// Reassembler keeps one Decoder per connection of a seam server. It is safe
// for concurrent use.
type Reassembler struct {
	maxMessageSize uint32

	mu       sync.Mutex
	decoders map[server.ConnID]*Decoder
}

// NewReassembler creates a Reassembler whose decoders accept payloads up to
// maxSize bytes. Zero selects DefaultMaxMessageSize.
func NewReassembler(maxSize uint32) *Reassembler {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reassembler{
		maxMessageSize: maxSize,
		decoders:       make(map[server.ConnID]*Decoder),
	}
}

// Feed passes a Received chunk to the decoder of id.
func (r *Reassembler) Feed(id server.ConnID, chunk []byte) ([][]byte, error) {
	r.mu.Lock()
	d, ok := r.decoders[id]
	if !ok {
		d = NewDecoderWithMaxSize(r.maxMessageSize)
		r.decoders[id] = d
	}
	r.mu.Unlock()
	return d.Feed(chunk)
}

// Forget drops the decoder of id, typically on Disconnected, and reports
// whether the connection ended inside a frame.
func (r *Reassembler) Forget(id server.ConnID) error {
	r.mu.Lock()
	d, ok := r.decoders[id]
	delete(r.decoders, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return d.Close()
}

// Len returns the number of tracked connections.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.decoders)
}

// FrameWriter writes length-prefixed frames to an underlying writer, as a
// client of a framed seam server does.
type FrameWriter struct {
	w              io.Writer
	maxMessageSize uint32
	mu             sync.Mutex
}

// NewFrameWriter creates a new frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterWithMaxSize(w, DefaultMaxMessageSize)
}

// NewFrameWriterWithMaxSize creates a frame writer with a custom max size.
func NewFrameWriterWithMaxSize(w io.Writer, maxSize uint32) *FrameWriter {
	return &FrameWriter{w: w, maxMessageSize: maxSize}
}

// WriteFrame writes one frame. It is safe for concurrent use.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	frame, err := EncodeWithMaxSize(data, fw.maxMessageSize)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed frames from an underlying reader.
type FrameReader struct {
	r              io.Reader
	maxMessageSize uint32
	lengthBuf      [LengthPrefixSize]byte
}

// NewFrameReader creates a new frame reader.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderWithMaxSize(r, DefaultMaxMessageSize)
}

// NewFrameReaderWithMaxSize creates a frame reader with a custom max size.
func NewFrameReaderWithMaxSize(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{r: r, maxMessageSize: maxSize}
}

// ReadFrame reads one frame and returns its payload. A clean end of stream
// between frames returns io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if err := checkSize(int(length), fr.maxMessageSize); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}

// Framer combines frame reading and writing over one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer for bidirectional communication.
func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMaxSize(rw, DefaultMaxMessageSize)
}

// NewFramerWithMaxSize creates a framer with a custom max message size.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReaderWithMaxSize(rw, maxSize),
		FrameWriter: NewFrameWriterWithMaxSize(rw, maxSize),
	}
}
