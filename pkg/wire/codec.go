package wire

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the size of a decoded frame.
const DefaultMaxFrameSize = 1 << 20

// Encoder writes length-prefixed events to a stream.
// It MUST NOT be used concurrently.
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (enc *Encoder) Encode(ev Event) error {
	msg := Marshal(enc.buf[:0], ev)
	prefix := protowire.AppendVarint(nil, uint64(len(msg)))
	frame := make([]byte, 0, len(prefix)+len(msg))
	frame = append(frame, prefix...)
	frame = append(frame, msg...)
	enc.buf = msg[:0]

	_, err := enc.w.Write(frame)
	return err
}

// Decoder reads length-prefixed events from a stream.
type Decoder struct {
	r       *bufio.Reader
	maxSize uint64
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       bufio.NewReader(r),
		maxSize: DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize changes the biggest frame the decoder accepts.
func (dec *Decoder) SetMaxFrameSize(size uint64) {
	dec.maxSize = size
}

// Decode returns io.EOF when the stream ends cleanly between two frames.
func (dec *Decoder) Decode() (Event, error) {
	prefix, err := dec.readVarint()
	if err != nil {
		return Event{}, err
	}
	if prefix > dec.maxSize {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, prefix)
	}

	buf := make([]byte, prefix)
	if _, err := io.ReadFull(dec.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Event{}, err
	}
	return Unmarshal(buf)
}

func (dec *Decoder) readVarint() (uint64, error) {
	var buf [10]byte
	for n := 0; n < len(buf); n++ {
		b, err := dec.r.ReadByte()
		if err != nil {
			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		buf[n] = b
		if b < 0x80 {
			v, m := protowire.ConsumeVarint(buf[:n+1])
			if m < 0 {
				return 0, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(m))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varint overflow", ErrInvalidMessage)
}
