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
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing/common/logger"
	"golang.org/x/sync/semaphore"
)

// numStreams is the slot count. Stream ids are signed 16-bit; only the
// non-negative range is assigned, id -1 is reserved for server events.
const numStreams = math.MaxInt16 + 1

type streamState uint8

const (
	streamFree streamState = iota
	streamRegistered
	streamSent
	streamAbandoned // sent, then the caller walked away before the response
	streamResponded
	streamFinished
)

// stream is one slot of the table. Each occupied slot holds exactly one
// admission permit; the permit is released by recycle and nowhere else.
type stream struct {
	id int16

	mu    sync.Mutex
	state streamState
	resp  response
	err   error
	done  chan struct{} // one-shot; closed on completion or connection fault
}

// streamTable assigns stream ids, tracks per-slot state, routes responses
// and enforces backpressure via the free-slot semaphore.
type streamTable struct {
	slots []*stream

	freeMu sync.Mutex
	free   []*stream

	sem *semaphore.Weighted

	logger logger.Logger

	dieCtx    context.Context
	dieCancel context.CancelFunc
	faultOnce sync.Once
	fault     atomic.Value // error
}

func newStreamTable(diagnostics logger.Logger) *streamTable {
	t := &streamTable{
		slots:  make([]*stream, numStreams),
		free:   make([]*stream, numStreams),
		sem:    semaphore.NewWeighted(numStreams),
		logger: diagnostics,
	}
	t.dieCtx, t.dieCancel = context.WithCancel(context.Background())
	for i := range t.slots {
		s := &stream{id: int16(i)}
		t.slots[i] = s
		t.free[i] = s
	}
	return t
}

// register blocks until a free slot is available, then transitions it to
// Registered and returns an exclusive handle. It fails fast once the
// connection has faulted.
func (t *streamTable) register(ctx context.Context) (*streamHandle, error) {
	if err := t.closedErr(); err != nil {
		return nil, err
	}

	// A fault must unblock callers waiting on the semaphore.
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.dieCtx, cancel)
	defer stop()

	if err := t.sem.Acquire(acquireCtx, 1); err != nil {
		if closedErr := t.closedErr(); closedErr != nil {
			return nil, closedErr
		}
		return nil, err
	}
	if err := t.closedErr(); err != nil {
		t.sem.Release(1)
		return nil, err
	}

	t.freeMu.Lock()
	n := len(t.free)
	s := t.free[n-1]
	t.free = t.free[:n-1]
	t.freeMu.Unlock()

	s.mu.Lock()
	if s.state != streamFree {
		s.mu.Unlock()
		panic("cqlmux: slot in free pool is not free")
	}
	s.state = streamRegistered
	s.done = make(chan struct{})
	s.mu.Unlock()

	// A fault that landed while the slot was being taken may have walked past
	// it while it was still free; re-check so no occupied slot escapes the
	// fault fan-out.
	if err := t.closedErr(); err != nil {
		t.recycle(s)
		return nil, err
	}

	return &streamHandle{t: t, s: s}, nil
}

// onResponse routes one decoded frame to its slot. Called by the reader
// loop only; never blocks.
func (t *streamTable) onResponse(resp response, streamID int16) {
	if streamID < 0 || int(streamID) >= len(t.slots) {
		t.logger.Warn("unsolicited response on out-of-range stream ", streamID)
		return
	}
	s := t.slots[streamID]

	s.mu.Lock()
	switch s.state {
	case streamSent:
		s.state = streamResponded
		s.resp = resp
		done := s.done
		s.mu.Unlock()
		close(done)
	case streamAbandoned:
		// Nobody is waiting anymore; reclaim under the lock so a concurrent
		// fault cannot recycle the same slot twice.
		t.recycleLocked(s)
	default:
		state := s.state
		s.mu.Unlock()
		t.logger.Warn("unsolicited response on stream ", streamID, " in state ", state)
	}
}

// onIOError marks the connection as faulted: every occupied slot is completed
// with err and woken, abandoned slots are recycled, and subsequent register
// calls fail fast. Only the first fault wins.
func (t *streamTable) onIOError(err error) {
	t.faultOnce.Do(func() {
		t.fault.Store(err)
		t.dieCancel()
		for _, s := range t.slots {
			s.mu.Lock()
			switch s.state {
			case streamRegistered, streamSent:
				s.err = err
				s.state = streamFinished
				done := s.done
				s.mu.Unlock()
				close(done)
			case streamAbandoned:
				t.recycleLocked(s)
			default:
				// Free slots have nothing to complete; Responded slots
				// already carry their response and Finished ones were woken.
				s.mu.Unlock()
			}
		}
	})
}

func (t *streamTable) closedErr() error {
	if err, _ := t.fault.Load().(error); err != nil {
		return err
	}
	select {
	case <-t.dieCtx.Done():
		return ErrConnClosed
	default:
		return nil
	}
}

// recycle returns a slot to the free pool and releases its admission permit.
func (t *streamTable) recycle(s *stream) {
	s.mu.Lock()
	t.recycleLocked(s)
}

// recycleLocked is recycle for callers already holding s.mu; the lock is
// dropped before touching the pool. The Free transition happens under the
// lock so no two paths can both observe the slot occupied and recycle it
// twice: the permit is released and the slot pushed exactly once per
// occupancy.
func (t *streamTable) recycleLocked(s *stream) {
	s.state = streamFree
	s.resp = nil
	s.err = nil
	s.done = nil
	s.mu.Unlock()

	t.freeMu.Lock()
	t.free = append(t.free, s)
	t.freeMu.Unlock()
	t.sem.Release(1)
}

func (t *streamTable) inFlight() int {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	return len(t.slots) - len(t.free)
}

// streamHandle gives its holder exclusive access to one slot's lifecycle.
// await only consumes the response; release gives the slot back, and for an
// abandoned slot the late response or a fault recycles it.
type streamHandle struct {
	t *streamTable
	s *stream
}

func (h *streamHandle) streamID() int16 {
	return h.s.id
}

// markSent transitions Registered to Sent once the frame is bound for the
// wire. A slot already completed by a connection fault is left untouched.
func (h *streamHandle) markSent() {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == streamRegistered:
		s.state = streamSent
	case s.err != nil:
	default:
		panic("cqlmux: mark sent on slot not registered")
	}
}

// unmarkSent rolls Sent back to Registered. Only valid when the frame never
// reached the writer mailbox, so no response can be outstanding.
func (h *streamHandle) unmarkSent() {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamSent {
		s.state = streamRegistered
	}
}

// await blocks until the slot completes or ctx is done. On success the slot
// transitions Responded to Finished and the response is returned exactly once.
func (h *streamHandle) await(ctx context.Context) (response, error) {
	s := h.s
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if s.state != streamResponded {
		state := s.state
		s.mu.Unlock()
		h.t.logger.Warn("stream ", s.id, " woken in state ", state)
		return nil, ErrProtocolViolation
	}
	resp := s.resp
	s.state = streamFinished
	s.mu.Unlock()
	return resp, nil
}

// release gives the slot back. Registered, Responded and Finished slots are
// recycled immediately. A Sent slot stays occupied as Abandoned: the frame is
// on the wire and the protocol has no cancel, so the id cannot be reused
// until the matching response arrives or the connection fails. Idempotent.
func (h *streamHandle) release() {
	s := h.s
	if s == nil {
		return
	}
	h.s = nil

	s.mu.Lock()
	switch s.state {
	case streamRegistered, streamResponded, streamFinished:
		s.mu.Unlock()
		h.t.recycle(s)
	case streamSent:
		s.state = streamAbandoned
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		panic("cqlmux: release of slot not held")
	}
}
