package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultMaxFrameBytes bounds a single frame unless configured otherwise
const DefaultMaxFrameBytes = 64 << 20

const headerSize = 4

// WriteFrame writes msg as a big-endian uint32 length of (tag + payload), the tag, then the
// payload
func WriteFrame(w io.Writer, msg Message) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMessage, msg.Type)
	}
	var header [headerSize + 1]byte
	binary.BigEndian.PutUint32(header[:headerSize], uint32(len(msg.Payload)+1))
	header[headerSize] = byte(msg.Type)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return nil
	}
	_, err := w.Write(msg.Payload)
	return err
}

// ReadFrame reads one frame. io.EOF is returned only on a clean close between frames.
func ReadFrame(r io.Reader, maxBytes int) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return Message{}, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if maxBytes > 0 && uint64(length) > uint64(maxBytes) {
		return Message{}, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, length, maxBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated body", ErrMalformedFrame)
		}
		return Message{}, err
	}

	t := MessageType(body[0])
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, body[0])
	}
	return Message{Type: t, Payload: body[1:]}, nil
}

// Conn frames messages over a stream connection. Reads must come from one goroutine;
// writes may come from any.
type Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	maxBytes int

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewConn wraps c. maxBytes <= 0 selects DefaultMaxFrameBytes.
func NewConn(c net.Conn, maxBytes int) *Conn {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Conn{
		conn:     c,
		r:        bufio.NewReader(c),
		w:        bufio.NewWriter(c),
		maxBytes: maxBytes,
	}
}

// Dial connects to address within timeout
func Dial(address string, timeout time.Duration, maxBytes int) (*Conn, error) {
	c, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConn(c, maxBytes), nil
}

// Read blocks for the next message
func (c *Conn) Read() (Message, error) {
	return ReadFrame(c.r, c.maxBytes)
}

// Write sends msg and flushes it
func (c *Conn) Write(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteFrame(c.w, msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Send encodes payload and writes it
func (c *Conn) Send(t MessageType, payload any) error {
	msg, err := Encode(t, payload)
	if err != nil {
		return err
	}
	return c.Write(msg)
}

// SetReadDeadline bounds the next Read
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsProtocolError reports whether err is a framing or message error that should drop
// only the offending connection
func IsProtocolError(err error) bool {
	for _, target := range []error{ErrUnknownMessage, ErrMalformedFrame, ErrFrameTooLarge, ErrUnexpectedMessage, ErrHandshake} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
