// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package protocol implements the rpcframe wire format.
//
// Every frame starts with a 16 byte big-endian header:
//
//	0      4        5              9      10     11        12          16
//	+------+--------+--------------+------+------+---------+-----------+
//	| magic| version| total length | type | codec| compress| request id|
//	+------+--------+--------------+------+------+---------+-----------+
//	|                     body (absent for heartbeats)                 |
//	+------------------------------------------------------------------+
//
// The total length covers header and body. The body is the request or
// response serialized with the codec id's serializer and then compressed
// with the compression id's compressor.
package protocol

import (
	"github.com/luxfi/rpcframe/service"
)

// Frame constants.
const (
	Version        byte = 1
	HeaderLength        = 16
	MaxFrameLength      = 8 * 1024 * 1024

	// Ping and Pong are the payloads of heartbeat messages.
	Ping = "ping"
	Pong = "pong"
)

// Magic identifies an rpcframe frame.
var Magic = [4]byte{'l', 'r', 'p', 'c'}

// MessageType identifies the kind of a frame.
type MessageType uint8

const (
	TypeRequest  MessageType = 0x01
	TypeResponse MessageType = 0x02
	TypePing     MessageType = 0x03
	TypePong     MessageType = 0x04
)

// IsHeartbeat reports whether t carries no body.
func (t MessageType) IsHeartbeat() bool {
	return t == TypePing || t == TypePong
}

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	}
	return "unknown"
}

// Message is one decoded frame. Data holds a *Request, a *Response or, for
// heartbeats, the Ping/Pong sentinel.
type Message struct {
	Type      MessageType
	Codec     byte
	Compress  byte
	RequestID uint32
	Data      interface{}
}

// Request asks for one method of one service.
type Request struct {
	RequestID     string        `json:"requestId" msgpack:"requestId"`
	InterfaceName string        `json:"interfaceName" msgpack:"interfaceName"`
	MethodName    string        `json:"methodName" msgpack:"methodName"`
	Params        []interface{} `json:"params" msgpack:"params"`
	ParamTypes    []string      `json:"paramTypes" msgpack:"paramTypes"`
	Group         string        `json:"group" msgpack:"group"`
	Version       string        `json:"version" msgpack:"version"`
}

// ServiceKey returns the key of the requested service.
func (r *Request) ServiceKey() service.Key {
	return service.Key{Name: r.InterfaceName, Group: r.Group, Version: r.Version}
}

// Response codes.
const (
	CodeSuccess  = 200
	CodeNotFound = 404
	CodeFail     = 500
)

// Response answers the request with the same RequestID.
type Response struct {
	RequestID string      `json:"requestId" msgpack:"requestId"`
	Code      int         `json:"code" msgpack:"code"`
	Message   string      `json:"message" msgpack:"message"`
	Data      interface{} `json:"data" msgpack:"data"`
}

// OK reports whether the call succeeded.
func (r *Response) OK() bool { return r.Code == CodeSuccess }

// Success builds a successful response.
func Success(requestID string, data interface{}) *Response {
	return &Response{RequestID: requestID, Code: CodeSuccess, Message: "ok", Data: data}
}

// Failure builds an error response.
func Failure(requestID string, code int, msg string) *Response {
	return &Response{RequestID: requestID, Code: code, Message: msg}
}
