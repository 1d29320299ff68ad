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
	"encoding/binary"
	"io"

	E "github.com/sagernet/sing/common/exceptions"
)

const (
	protoRequest  byte = 0x04 // native protocol v4
	protoResponse byte = 0x84

	opError   byte = 0x00
	opStartup byte = 0x01
	opReady   byte = 0x02
	opQuery   byte = 0x07
	opResult  byte = 0x08

	headerSize = 9

	// frame body limit of the native protocol
	maxBodyLength = 256 << 20

	cqlVersionKey = "CQL_VERSION"
	cqlVersion    = "3.0.0"

	consistencyOne uint16 = 0x0001
)

// rawHeader is the fixed 9-byte frame header, big-endian on the wire.
type rawHeader [headerSize]byte

func (h rawHeader) Version() byte      { return h[0] }
func (h rawHeader) Flags() byte        { return h[1] }
func (h rawHeader) StreamID() int16    { return int16(binary.BigEndian.Uint16(h[2:])) }
func (h rawHeader) Opcode() byte       { return h[4] }
func (h rawHeader) BodyLength() uint32 { return binary.BigEndian.Uint32(h[5:]) }

func putHeader(h *rawHeader, opcode byte, streamID int16, bodyLength uint32) {
	h[0] = protoRequest
	h[1] = 0
	binary.BigEndian.PutUint16(h[2:], uint16(streamID))
	h[4] = opcode
	binary.BigEndian.PutUint32(h[5:], bodyLength)
}

// request is an outbound frame body. Encoding cannot fail; appendBody grows
// dst as needed and returns it.
type request interface {
	opcode() byte
	appendBody(dst []byte) []byte
}

// startupRequest carries the fixed options map {"CQL_VERSION": "3.0.0"}.
type startupRequest struct{}

func (startupRequest) opcode() byte { return opStartup }

func (startupRequest) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, 1)
	dst = appendShortString(dst, cqlVersionKey)
	dst = appendShortString(dst, cqlVersion)
	return dst
}

// queryRequest carries opaque CQL text with consistency ONE and no flags.
type queryRequest struct {
	statement string
}

func (queryRequest) opcode() byte { return opQuery }

func (r queryRequest) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.statement)))
	dst = append(dst, r.statement...)
	dst = binary.BigEndian.AppendUint16(dst, consistencyOne)
	dst = append(dst, 0)
	return dst
}

func appendShortString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// encodeRequest appends one complete frame for req to dst.
func encodeRequest(dst []byte, req request, streamID int16) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, headerSize)...)
	dst = req.appendBody(dst)
	var h rawHeader
	putHeader(&h, req.opcode(), streamID, uint32(len(dst)-start-headerSize))
	copy(dst[start:], h[:])
	return dst
}

// response is an inbound frame with the minimum body decoding performed.
type response interface {
	isResponse()
}

type readyResponse struct{}

type resultResponse struct{}

// invalidResponse is a well-formed frame with an opcode this driver does not
// handle. Its body has been fully consumed from the byte stream.
type invalidResponse struct {
	Opcode byte
}

func (readyResponse) isResponse()   {}
func (resultResponse) isResponse()  {}
func (invalidResponse) isResponse() {}

// decodeResponse reads exactly one frame from r. It fails with
// ErrInvalidFrame on a wrong protocol version, an oversized length field, a
// body that ends before its length field says or a truncated ERROR body, and
// with the underlying read error when the header cannot be read; either faults
// the connection at the caller.
func decodeResponse(r io.Reader) (response, int16, error) {
	var h rawHeader
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, 0, E.Cause(err, "read header")
	}
	if h.Version() != protoResponse {
		return nil, 0, E.Cause(ErrInvalidFrame, "unexpected protocol version ", h.Version())
	}
	length := h.BodyLength()
	if length > maxBodyLength {
		return nil, 0, E.Cause(ErrInvalidFrame, "body length ", length, " exceeds frame limit")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, E.Cause(ErrInvalidFrame, "truncated body")
		}
		return nil, 0, E.Cause(err, "read body")
	}

	streamID := h.StreamID()
	switch h.Opcode() {
	case opReady:
		return readyResponse{}, streamID, nil
	case opResult:
		return resultResponse{}, streamID, nil
	case opError:
		serverError, err := parseServerError(body)
		if err != nil {
			return nil, 0, err
		}
		return serverError, streamID, nil
	default:
		return invalidResponse{Opcode: h.Opcode()}, streamID, nil
	}
}

// parseServerError decodes [int] code followed by [string] message. Trailing
// body bytes belong to protocol fields not modeled here and are ignored.
func parseServerError(body []byte) (*ServerError, error) {
	if len(body) < 6 {
		return nil, E.Cause(ErrInvalidFrame, "truncated ERROR body")
	}
	code := binary.BigEndian.Uint32(body)
	messageLength := int(binary.BigEndian.Uint16(body[4:]))
	if len(body) < 6+messageLength {
		return nil, E.Cause(ErrInvalidFrame, "truncated ERROR message")
	}
	return &ServerError{
		Code:    code,
		Message: string(body[6 : 6+messageLength]),
	}, nil
}
