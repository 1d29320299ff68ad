package cqlmux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readRequestFrame reads one request frame. It never fails the test so it is
// safe to call from scripted-server goroutines.
func readRequestFrame(r io.Reader) (rawHeader, []byte, error) {
	var h rawHeader
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return h, nil, err
	}
	body := make([]byte, h.BodyLength())
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, err
	}
	return h, body, nil
}

// newTestConn wires a Conn to a scripted in-memory peer and completes the
// handshake.
func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	handshake := make(chan error, 1)
	go func() {
		h, _, err := readRequestFrame(serverSide)
		if err == nil && h.Opcode() != opStartup {
			err = io.ErrUnexpectedEOF
		}
		if err == nil {
			_, err = serverSide.Write(appendResponseFrame(nil, opReady, h.StreamID(), nil))
		}
		handshake <- err
	}()

	conn, err := Client(clientSide, nil)
	require.NoError(t, err)
	require.NoError(t, <-handshake)

	t.Cleanup(func() {
		conn.Close()
		serverSide.Close()
	})
	return conn, serverSide
}

func TestClientHandshake(t *testing.T) {
	conn, _ := newTestConn(t)
	assert.False(t, conn.IsClosed())
	assert.Equal(t, 0, conn.InFlight())
}

func TestClientHandshakeRejected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	go func() {
		h, _, err := readRequestFrame(serverSide)
		if err == nil {
			// AUTHENTICATE, which this core does not speak.
			serverSide.Write(appendResponseFrame(nil, 0x03, h.StreamID(), nil))
		}
	}()

	_, err := Client(clientSide, nil)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestOpenOverTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		serverSide, err := listener.Accept()
		if err != nil {
			return
		}
		defer serverSide.Close()
		h, _, err := readRequestFrame(serverSide)
		if err != nil {
			return
		}
		serverSide.Write(appendResponseFrame(nil, opReady, h.StreamID(), nil))
		h, _, err = readRequestFrame(serverSide)
		if err != nil {
			return
		}
		serverSide.Write(appendResponseFrame(nil, opResult, h.StreamID(), nil))
	}()

	conn, err := Open(context.Background(), listener.Addr().String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, conn.Query(context.Background(), NewQuery("SELECT 1")))
}

func TestQueryResult(t *testing.T) {
	conn, serverSide := newTestConn(t)

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 1"))
	}()

	h, body, err := readRequestFrame(serverSide)
	require.NoError(t, err)
	assert.Equal(t, opQuery, h.Opcode())
	assert.Equal(t, encodeRequest(nil, queryRequest{statement: "SELECT 1"}, h.StreamID())[headerSize:], body)

	_, err = serverSide.Write(appendResponseFrame(nil, opResult, h.StreamID(), nil))
	require.NoError(t, err)

	assert.NoError(t, <-queryErr)
	assert.Equal(t, 0, conn.InFlight())
}

func TestQueryServerError(t *testing.T) {
	conn, serverSide := newTestConn(t)
	const message = "line 1:0 no viable alternative at input 'sadsdasd'"

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("sadsdasd"))
	}()

	h, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)
	_, err = serverSide.Write(appendResponseFrame(nil, opError, h.StreamID(), serverErrorBody(0x2000, message)))
	require.NoError(t, err)

	var serverError *ServerError
	require.ErrorAs(t, <-queryErr, &serverError)
	assert.Equal(t, uint32(8192), serverError.Code)
	assert.Equal(t, message, serverError.Message)

	// A per-query error leaves the connection usable.
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 1"))
	}()
	h, _, err = readRequestFrame(serverSide)
	require.NoError(t, err)
	serverSide.Write(appendResponseFrame(nil, opResult, h.StreamID(), nil))
	assert.NoError(t, <-queryErr)
}

func TestConcurrentQueriesResolveInReplyOrder(t *testing.T) {
	conn, serverSide := newTestConn(t)

	type completion struct {
		name string
		err  error
	}
	completions := make(chan completion, 2)

	go func() {
		err := conn.Query(context.Background(), NewQuery("SELECT a"))
		completions <- completion{"a", err}
	}()
	first, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)

	go func() {
		err := conn.Query(context.Background(), NewQuery("SELECT b"))
		completions <- completion{"b", err}
	}()
	second, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)

	assert.NotEqual(t, first.StreamID(), second.StreamID())

	// Reply in reverse submission order; completion order follows replies.
	serverSide.Write(appendResponseFrame(nil, opResult, second.StreamID(), nil))
	done := <-completions
	assert.Equal(t, "b", done.name)
	assert.NoError(t, done.err)

	serverSide.Write(appendResponseFrame(nil, opResult, first.StreamID(), nil))
	done = <-completions
	assert.Equal(t, "a", done.name)
	assert.NoError(t, done.err)
}

func TestAbandonedQueryRecyclesSlot(t *testing.T) {
	conn, serverSide := newTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(ctx, NewQuery("SELECT 1"))
	}()

	h, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, <-queryErr, context.Canceled)

	// The frame is on the wire; the slot stays occupied until the server
	// replies, then returns to the free pool.
	assert.Equal(t, 1, conn.InFlight())
	_, err = serverSide.Write(appendResponseFrame(nil, opResult, h.StreamID(), nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return conn.InFlight() == 0
	}, time.Second, 5*time.Millisecond)

	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 2"))
	}()
	h, _, err = readRequestFrame(serverSide)
	require.NoError(t, err)
	serverSide.Write(appendResponseFrame(nil, opResult, h.StreamID(), nil))
	assert.NoError(t, <-queryErr)
}

func TestQueryUnexpectedResponse(t *testing.T) {
	conn, serverSide := newTestConn(t)

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 1"))
	}()

	h, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)
	serverSide.Write(appendResponseFrame(nil, opReady, h.StreamID(), nil))

	assert.ErrorIs(t, <-queryErr, ErrProtocolViolation)

	// Non-fatal: other streams are unaffected.
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 2"))
	}()
	h, _, err = readRequestFrame(serverSide)
	require.NoError(t, err)
	serverSide.Write(appendResponseFrame(nil, opResult, h.StreamID(), nil))
	assert.NoError(t, <-queryErr)
}

func TestCloseFailsOutstandingQueries(t *testing.T) {
	conn, serverSide := newTestConn(t)

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 1"))
	}()
	_, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, <-queryErr, ErrConnClosed)
	assert.True(t, conn.IsClosed())

	assert.ErrorIs(t, conn.Query(context.Background(), NewQuery("SELECT 2")), ErrConnClosed)
	assert.ErrorIs(t, conn.Close(), ErrConnClosed)
}

func TestInvalidFrameFaultsConnection(t *testing.T) {
	conn, serverSide := newTestConn(t)

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 1"))
	}()
	h, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)

	// Respond with a request-version byte: the reader faults the connection
	// and every outstanding query is completed with the same error.
	bad := appendResponseFrame(nil, opResult, h.StreamID(), nil)
	bad[0] = protoRequest
	_, err = serverSide.Write(bad)
	require.NoError(t, err)

	assert.ErrorIs(t, <-queryErr, ErrInvalidFrame)

	select {
	case <-conn.CloseChan():
	case <-time.After(time.Second):
		t.Fatal("connection not marked closed after invalid frame")
	}
	assert.ErrorIs(t, conn.Query(context.Background(), NewQuery("SELECT 2")), ErrInvalidFrame)
}

func TestPeerDisconnectFailsOutstandingQueries(t *testing.T) {
	conn, serverSide := newTestConn(t)

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- conn.Query(context.Background(), NewQuery("SELECT 1"))
	}()
	_, _, err := readRequestFrame(serverSide)
	require.NoError(t, err)

	serverSide.Close()

	assert.Error(t, <-queryErr)
	select {
	case <-conn.CloseChan():
	case <-time.After(time.Second):
		t.Fatal("connection not marked closed after peer disconnect")
	}
}
