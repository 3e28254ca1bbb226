// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/rpcframe/compress"
	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/serialize"
)

var (
	ErrProtocol      = errors.New("protocol: invalid frame")
	ErrBadMagic      = fmt.Errorf("%w: unknown magic number", ErrProtocol)
	ErrBadVersion    = fmt.Errorf("%w: incompatible version", ErrProtocol)
	ErrFrameTooShort = fmt.Errorf("%w: frame shorter than header", ErrProtocol)
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum length", ErrProtocol)
	ErrBadType       = fmt.Errorf("%w: unknown message type", ErrProtocol)

	ErrSerialization = errors.New("protocol: serialization failed")
)

// Capabilities resolved through the extension registry.
const (
	SerializerCapability = "serializer"
	CompressorCapability = "compressor"
)

// Wire ids of the built-in serializers and compressors.
const (
	CodecJSON     byte = 1
	CodecGob      byte = 2
	CodecMsgpack  byte = 3
	CodecProtobuf byte = 4

	CompressNone   byte = 0
	CompressGzip   byte = 1
	CompressSnappy byte = 2
	CompressZstd   byte = 3
)

var (
	serializerNames = map[byte]string{
		CodecJSON:     serialize.JSON,
		CodecGob:      serialize.Gob,
		CodecMsgpack:  serialize.Msgpack,
		CodecProtobuf: serialize.Protobuf,
	}
	compressorNames = map[byte]string{
		CompressNone:   compress.None,
		CompressGzip:   compress.Gzip,
		CompressSnappy: compress.Snappy,
		CompressZstd:   compress.Zstd,
	}
)

// SerializerID returns the codec id of a serializer name.
func SerializerID(name string) (byte, error) {
	return idOf(serializerNames, name, SerializerCapability)
}

// CompressorID returns the compression id of a compressor name.
func CompressorID(name string) (byte, error) {
	return idOf(compressorNames, name, CompressorCapability)
}

func idOf(table map[byte]string, name, capability string) (byte, error) {
	for id, n := range table {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s %q has no wire id", extension.ErrUnsupported, capability, name)
}

// Codec turns messages into frames and back. Serializers and compressors
// are resolved by name through the extension registry.
type Codec struct {
	serializers *extension.Loader[serialize.Serializer]
	compressors *extension.Loader[compress.Compressor]
}

// NewCodec returns a Codec resolving implementations through ext.
func NewCodec(ext *extension.Registry) *Codec {
	return &Codec{
		serializers: extension.Load[serialize.Serializer](ext, SerializerCapability),
		compressors: extension.Load[compress.Compressor](ext, CompressorCapability),
	}
}

func (c *Codec) serializer(id byte) (serialize.Serializer, error) {
	name, ok := serializerNames[id]
	if !ok {
		return nil, fmt.Errorf("%w: codec id %d", extension.ErrUnsupported, id)
	}
	return c.serializers.Get(name)
}

func (c *Codec) compressor(id byte) (compress.Compressor, error) {
	name, ok := compressorNames[id]
	if !ok {
		return nil, fmt.Errorf("%w: compression id %d", extension.ErrUnsupported, id)
	}
	return c.compressors.Get(name)
}

// EncodeBody serializes then compresses v.
func (c *Codec) EncodeBody(codecID, compressID byte, v interface{}) ([]byte, error) {
	s, err := c.serializer(codecID)
	if err != nil {
		return nil, err
	}
	z, err := c.compressor(compressID)
	if err != nil {
		return nil, err
	}
	raw, err := s.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", ErrSerialization, v, err)
	}
	body, err := z.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return body, nil
}

// DecodeBody decompresses then deserializes body into v.
func (c *Codec) DecodeBody(codecID, compressID byte, body []byte, v interface{}) error {
	s, err := c.serializer(codecID)
	if err != nil {
		return err
	}
	z, err := c.compressor(compressID)
	if err != nil {
		return err
	}
	raw, err := z.Decompress(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := s.Decode(raw, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", ErrSerialization, v, err)
	}
	return nil
}

// Encode returns the frame of msg.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	var body []byte
	switch msg.Type {
	case TypePing, TypePong:
	case TypeRequest, TypeResponse:
		var err error
		body, err = c.EncodeBody(msg.Codec, msg.Compress, msg.Data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadType, msg.Type)
	}

	total := HeaderLength + len(body)
	if total > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	buf := make([]byte, total)
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	binary.BigEndian.PutUint32(buf[5:9], uint32(total))
	buf[9] = byte(msg.Type)
	buf[10] = msg.Codec
	buf[11] = msg.Compress
	binary.BigEndian.PutUint32(buf[12:16], msg.RequestID)
	copy(buf[HeaderLength:], body)
	return buf, nil
}

// checkHeader validates whatever prefix of a header is present in b and
// returns the declared frame length once it is known, or 0.
func checkHeader(b []byte) (int, error) {
	n := len(b)
	if n > len(Magic) {
		n = len(Magic)
	}
	for i := 0; i < n; i++ {
		if b[i] != Magic[i] {
			return 0, fmt.Errorf("%w: % x", ErrBadMagic, b[:n])
		}
	}
	if len(b) > 4 && b[4] != Version {
		return 0, fmt.Errorf("%w: %d", ErrBadVersion, b[4])
	}
	if len(b) < 9 {
		return 0, nil
	}
	total := int(binary.BigEndian.Uint32(b[5:9]))
	switch {
	case total < HeaderLength:
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, total)
	case total > MaxFrameLength:
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	return total, nil
}

// Decode turns one complete frame into a message.
func (c *Codec) Decode(frame []byte) (*Message, error) {
	total, err := checkHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < HeaderLength || total != len(frame) {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrProtocol, total, len(frame))
	}

	msg := &Message{
		Type:      MessageType(frame[9]),
		Codec:     frame[10],
		Compress:  frame[11],
		RequestID: binary.BigEndian.Uint32(frame[12:16]),
	}
	body := frame[HeaderLength:]
	switch msg.Type {
	case TypePing:
		msg.Data = Ping
	case TypePong:
		msg.Data = Pong
	case TypeRequest:
		req := new(Request)
		if err := c.DecodeBody(msg.Codec, msg.Compress, body, req); err != nil {
			return nil, err
		}
		msg.Data = req
	case TypeResponse:
		resp := new(Response)
		if err := c.DecodeBody(msg.Codec, msg.Compress, body, resp); err != nil {
			return nil, err
		}
		msg.Data = resp
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadType, msg.Type)
	}
	return msg, nil
}

// WriteMessage encodes msg and writes it to w.
func (c *Codec) WriteMessage(w io.Writer, msg *Message) error {
	buf, err := c.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one frame from r.
func (c *Codec) ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	total, err := checkHeader(header)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderLength:]); err != nil {
		return nil, err
	}
	return c.Decode(frame)
}
