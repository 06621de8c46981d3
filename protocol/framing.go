package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// WriteEnvelope serializes an envelope and writes it as one newline-terminated
// line. Writers share no buffering, so one call is one complete wire unit.
func WriteEnvelope(w io.Writer, env Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Reader reassembles newline-delimited envelopes from a byte stream,
// tolerating arbitrarily split segments.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps a stream with the default envelope size cap.
func NewReader(r io.Reader) *Reader {
	return newReaderWithLimit(r, MaxEnvelopeSize)
}

func newReaderWithLimit(r io.Reader, max int) *Reader {
	return &Reader{br: bufio.NewReader(r), max: max}
}

// Next blocks until one complete line is available and decodes it.
//
// An oversized line is consumed through its terminating newline and reported
// as ErrPayloadTooLarge; decode failures are reported as *DecodeError. In
// both cases the stream remains aligned and Next may be called again.
func (r *Reader) Next() (Envelope, error) {
	line, err := r.readLine()
	if err != nil {
		return Envelope{}, err
	}
	return Decode(line)
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)

		if len(line) > r.max {
			if err == bufio.ErrBufferFull {
				if discardErr := r.discardLine(); discardErr != nil {
					return nil, discardErr
				}
			}
			return nil, ErrPayloadTooLarge
		}

		switch err {
		case nil:
			return line[:len(line)-1], nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

// discardLine consumes the remainder of an oversized line so the next read
// starts at an envelope boundary.
func (r *Reader) discardLine() error {
	for {
		_, err := r.br.ReadSlice('\n')
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}
