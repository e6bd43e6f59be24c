package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a message.
type MsgType uint32

const (
	MsgDevices MsgType = 1 // gob-encoded DeviceState
	MsgDone    MsgType = 2 // end of stream
	MsgReady   MsgType = 3 // destination has applied the state
)

func (t MsgType) String() string {
	switch t {
	case MsgDevices:
		return "devices"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

const headerSize = 12

// MaxPayload bounds the payload a Receiver accepts. Device state is a few
// hundred bytes; anything this large is a corrupt stream.
const MaxPayload = 1 << 20

var (
	// ErrUnexpectedMessage is returned by Expect for a message of the wrong
	// type.
	ErrUnexpectedMessage = errors.New("unexpected message")

	errPayloadTooLarge = errors.New("payload too large")
)

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send %s header: %w", t, err)
	}

	if len(payload) == 0 {
		return nil
	}

	if _, err := s.w.Write(payload); err != nil {
		return fmt.Errorf("send %s payload: %w", t, err)
	}

	return nil
}

// SendDevices encodes st with gob and sends it as a MsgDevices.
func (s *Sender) SendDevices(st *DeviceState) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode devices: %w", err)
	}

	return s.send(MsgDevices, buf.Bytes())
}

// SendDone signals the end of the stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady acknowledges a completed transfer.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message and returns its type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%w: type=%s len=%d", errPayloadTooLarge, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%s len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// Expect reads the next message and fails unless it has type t.
func (r *Receiver) Expect(t MsgType) ([]byte, error) {
	got, payload, err := r.Next()
	if err != nil {
		return nil, err
	}

	if got != t {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, got, t)
	}

	return payload, nil
}

// DecodeDevices decodes a MsgDevices payload.
func DecodeDevices(payload []byte) (*DeviceState, error) {
	st := &DeviceState{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(st); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}

	return st, nil
}
