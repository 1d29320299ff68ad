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

// Package cqlmux implements the multiplexed connection core of a client-side
// driver for the Cassandra/Scylla native protocol v4: a single TCP connection
// shared by many concurrent queries, demultiplexed by stream id.
package cqlmux

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sagernet/sing/common/bufio"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

// STARTUP is exchanged before the stream table exists; any id would do.
const handshakeStreamID int16 = 1

// writeRequest represents a request to write a frame
type writeRequest struct {
	req      request
	streamID int16
}

// Conn is one connection to one peer. Query may be invoked concurrently from
// any number of goroutines sharing the Conn.
type Conn struct {
	conn   net.Conn
	config *Config
	logger logger.Logger

	streams *streamTable
	writes  chan writeRequest

	closeOnce sync.Once
}

// Open dials address over TCP and performs the handshake.
func Open(ctx context.Context, address string, config *Config) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, E.Cause(err, "dial ", address)
	}
	return Client(conn, config)
}

// Client performs the handshake over an established connection, spawns the
// reader and writer loops and returns a ready Conn. On failure conn is
// closed.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		conn.Close()
		return nil, err
	}
	diagnostics := config.Logger
	if diagnostics == nil {
		diagnostics = logger.NOP()
	}

	if config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
	}
	if _, err := conn.Write(encodeRequest(nil, startupRequest{}, handshakeStreamID)); err != nil {
		conn.Close()
		return nil, E.Cause(err, "send STARTUP")
	}
	resp, _, err := decodeResponse(conn)
	if err != nil {
		conn.Close()
		return nil, E.Cause(err, "read STARTUP response")
	}
	if _, ready := resp.(readyResponse); !ready {
		conn.Close()
		return nil, ErrHandshake
	}
	if config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Time{})
	}

	c := &Conn{
		conn:    conn,
		config:  config,
		logger:  diagnostics,
		streams: newStreamTable(diagnostics),
		writes:  make(chan writeRequest, config.MailboxBacklog),
	}
	go c.recvLoop()
	go c.sendLoop()
	return c, nil
}

// Query submits one CQL statement and blocks until the server responds, the
// connection fails, or ctx is done. A RESULT response returns nil, an ERROR
// response returns *ServerError scoped to this query only.
//
// Cancelling ctx after the frame is on the wire abandons the stream: its id
// stays occupied until the server replies, since the protocol has no cancel.
func (c *Conn) Query(ctx context.Context, query *Query) error {
	handle, err := c.streams.register(ctx)
	if err != nil {
		return err
	}
	defer handle.release()

	// Sent is entered before the mailbox hand-off so a fast reply can never
	// observe the slot still Registered.
	handle.markSent()
	select {
	case c.writes <- writeRequest{req: queryRequest{statement: query.Statement()}, streamID: handle.streamID()}:
	case <-c.streams.dieCtx.Done():
		handle.unmarkSent()
		return c.streams.closedErr()
	case <-ctx.Done():
		handle.unmarkSent()
		return ctx.Err()
	}

	resp, err := handle.await(ctx)
	if err != nil {
		return err
	}
	switch resp := resp.(type) {
	case resultResponse:
		return nil
	case *ServerError:
		return resp
	default:
		c.logger.Warn("unexpected response to QUERY on stream ", handle.streamID())
		return ErrProtocolViolation
	}
}

// Close is used to close the connection and fail all outstanding queries.
func (c *Conn) Close() error {
	var err error
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.streams.onIOError(ErrConnClosed)
		err = c.conn.Close()
	})
	if !first {
		return ErrConnClosed
	}
	return err
}

// CloseChan can be used by someone who wants to be notified immediately when
// this connection is closed or has faulted.
func (c *Conn) CloseChan() <-chan struct{} {
	return c.streams.dieCtx.Done()
}

// IsClosed does a safe check to see if we have shutdown
func (c *Conn) IsClosed() bool {
	select {
	case <-c.streams.dieCtx.Done():
		return true
	default:
		return false
	}
}

// InFlight returns the number of currently occupied streams.
func (c *Conn) InFlight() int {
	return c.streams.inFlight()
}

// LocalAddr returns the local network address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// recvLoop keeps on reading frames from the underlying connection and routes
// them through the stream table. It never calls user code directly.
func (c *Conn) recvLoop() {
	for {
		resp, streamID, err := decodeResponse(c.conn)
		if err != nil {
			c.streams.onIOError(err)
			c.conn.Close()
			return
		}
		c.streams.onResponse(resp, streamID)
	}
}

// sendLoop drains the mailbox and emits frames in FIFO order, one write per
// frame; there is no frame interleaving on the wire.
func (c *Conn) sendLoop() {
	var hdr rawHeader
	var body []byte
	var buf []byte
	var vec [][]byte

	bw, ok := bufio.CreateVectorisedWriter(c.conn)
	if ok {
		vec = make([][]byte, 2)
	}

	for {
		select {
		case <-c.streams.dieCtx.Done():
			return
		case request := <-c.writes:
			body = request.req.appendBody(body[:0])
			putHeader(&hdr, request.req.opcode(), request.streamID, uint32(len(body)))

			var err error
			// support for scatter-gather I/O
			if vec != nil {
				vec[0] = hdr[:]
				vec[1] = body
				_, err = bufio.WriteVectorised(bw, vec)
			} else {
				buf = append(append(buf[:0], hdr[:]...), body...)
				_, err = c.conn.Write(buf)
			}

			if err != nil {
				c.streams.onIOError(E.Cause(err, "write frame"))
				c.conn.Close()
				return
			}
		}
	}
}
