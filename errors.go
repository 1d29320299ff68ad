// MIT License
//
// Copyright (c) 2025-2026 cqlmux contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package cqlmux

import (
	"fmt"

	E "github.com/sagernet/sing/common/exceptions"
)

var (
	// ErrConnClosed is returned by Query once the connection has been closed,
	// and delivered to every query that was still outstanding at close time.
	ErrConnClosed = E.New("connection closed")

	// ErrInvalidFrame indicates a malformed inbound frame: wrong protocol
	// version byte, an oversized length field, or a truncated body. A failed
	// header read surfaces as the underlying read error instead. It faults the
	// connection.
	ErrInvalidFrame = E.New("invalid frame")

	// ErrHandshake is returned by Open and Client when the server's first
	// response is not READY.
	ErrHandshake = E.New("handshake failed: server response was not READY")

	// ErrProtocolViolation is returned to a query whose stream received a
	// well-formed but unexpected response. It does not fault the connection.
	ErrProtocolViolation = E.New("protocol violation")
)

// ServerError is a well-formed ERROR response from the server. It is scoped
// to the query that triggered it; the connection remains usable.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", e.Code, e.Message)
}

func (e *ServerError) isResponse() {}
