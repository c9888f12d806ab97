// codec.go implements newline-delimited framing of envelopes over a stream.
//
// Wire Format:
//
//	{"type":"SEND_MESSAGE","senderId":7,"payload":{...}}\n
//
// A frame longer than the configured limit is consumed up to its newline and
// reported as ErrFrameTooLarge so that the stream stays aligned and the read
// loop can carry on with the next frame.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
)

// Codec reads and writes newline-framed envelopes. Reads and writes may run
// concurrently with each other, but each direction must have a single user.
type Codec struct {
	r       *bufio.Reader
	w       io.Writer
	maxLine int
}

// NewCodec creates a codec with the default line limit.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return NewCodecSize(r, w, constants.MaxLineSize)
}

// NewCodecSize creates a codec that rejects frames longer than maxLine bytes.
func NewCodecSize(r io.Reader, w io.Writer, maxLine int) *Codec {
	if maxLine <= 0 {
		maxLine = constants.MaxLineSize
	}
	size := min(constants.InitialLineBufferSize, maxLine)
	return &Codec{
		r:       bufio.NewReaderSize(r, size),
		w:       w,
		maxLine: maxLine,
	}
}

// ReadLine returns the next frame without its terminator. A final frame
// that ends at EOF without a newline is still returned.
func (c *Codec) ReadLine() ([]byte, error) {
	var line []byte
	tooLarge := false

	for {
		chunk, err := c.r.ReadSlice('\n')
		if !tooLarge {
			if len(line)+len(chunk) > c.maxLine+1 {
				tooLarge = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && (len(line) > 0 || tooLarge) {
			break
		}
		return nil, err
	}

	if tooLarge {
		return nil, &qerrors.DecodeError{Err: qerrors.ErrFrameTooLarge}
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// ReadEnvelope reads and decodes the next frame. Decode failures are
// returned as *errors.DecodeError and leave the stream positioned at the
// following frame.
func (c *Codec) ReadEnvelope() (*Envelope, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	return Decode(line)
}

// WriteEnvelope encodes env and writes it with a single Write call.
func (c *Codec) WriteEnvelope(env *Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// WriteFrame writes an already encoded, newline-terminated frame.
func (c *Codec) WriteFrame(frame []byte) error {
	_, err := c.w.Write(frame)
	return err
}
