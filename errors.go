// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"errors"
	"fmt"

	"github.com/luxfi/rpcframe/protocol"
	"github.com/luxfi/rpcframe/service"
)

var (
	ErrClosed           = errors.New("rpcframe: connection closed")
	ErrConnection       = errors.New("rpcframe: connection error")
	ErrRequestTimeout   = errors.New("rpcframe: request timeout")
	ErrRemoteInvocation = errors.New("rpcframe: remote invocation failed")
	ErrInvalidResponse  = errors.New("rpcframe: invalid response")
	ErrDuplicateRequest = errors.New("rpcframe: duplicate request id")
)

// RemoteError is the error carried by a failed response.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpcframe: remote error %d: %s", e.Code, e.Message)
}

// Is matches service.ErrNotFound for unknown services and
// ErrRemoteInvocation for every other failure.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case service.ErrNotFound:
		return e.Code == protocol.CodeNotFound
	case ErrRemoteInvocation:
		return e.Code != protocol.CodeNotFound
	}
	return false
}
