// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

// FrameDecoder splits a byte stream into messages. Reads may deliver part of
// a frame or several frames at once; bytes are buffered until a whole frame
// is present. Any error is sticky: the stream cannot be resynchronized and
// the connection should be dropped.
type FrameDecoder struct {
	codec *Codec
	buf   []byte
	err   error
}

// NewDecoder returns a FrameDecoder using c for bodies.
func (c *Codec) NewDecoder() *FrameDecoder {
	return &FrameDecoder{codec: c}
}

// Write buffers p. It never fails.
func (d *FrameDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (d *FrameDecoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message, or nil when more bytes are needed.
func (d *FrameDecoder) Next() (*Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	total, err := checkHeader(d.buf)
	if err != nil {
		d.err = err
		return nil, err
	}
	if total == 0 || len(d.buf) < total {
		return nil, nil
	}

	msg, err := d.codec.Decode(d.buf[:total])
	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	if err != nil {
		d.err = err
		return nil, err
	}
	return msg, nil
}
