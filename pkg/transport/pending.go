// Copyright (C) 2025 ScyllaDB

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"go.uber.org/atomic"
)

var errSlotUsed = errors.New("stream slot was already used")

// Response is a decoded response frame.
type Response struct {
	Header        frame.Header
	TracingID     []byte
	Warnings      []string
	CustomPayload map[string][]byte
	Message       frame.Message
}

// Slot is a reserved stream id. It is either used by exactly one Send or given back by Release.
// A Slot is not safe for concurrent use.
type Slot struct {
	conn   *Conn
	stream frame.StreamID
	used   bool
}

func (s *Slot) Conn() *Conn {
	return s.conn
}

func (s *Slot) StreamID() frame.StreamID {
	return s.stream
}

// Send writes req on the reserved stream. A non-positive timeout means the connection default.
func (s *Slot) Send(req frame.Message, timeout time.Duration) (*Pending, error) {
	if s.used {
		return nil, errSlotUsed
	}
	s.used = true
	return s.conn.submit(s.stream, req, timeout)
}

// Release gives back an unused slot, it's a no-op after Send.
func (s *Slot) Release() {
	if s.used {
		return
	}
	s.used = true
	s.conn.retireStream(s.stream)
}

// Pending is a request in flight. It is resolved exactly once, by the response,
// by its deadline or by the connection going away.
type Pending struct {
	conn      *Conn
	stream    frame.StreamID
	op        frame.OpCode
	deadline  time.Time
	abandoned atomic.Bool

	done chan struct{}
	resp *Response
	err  error
}

func (p *Pending) StreamID() frame.StreamID {
	return p.stream
}

func (p *Pending) Deadline() time.Time {
	return p.deadline
}

// Abandoned reports whether the caller stopped waiting before resolution.
func (p *Pending) Abandoned() bool {
	return p.abandoned.Load()
}

// Done is closed when the request is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// resolve must be called once, by whoever removed p from the pending map.
func (p *Pending) resolve(resp *Response, err error) {
	p.resp = resp
	p.err = err
	close(p.done)
}

// Wait blocks until the response arrives, the deadline passes (ErrTimedOut) or the
// connection is lost (ErrConnectionLost). A server ERROR is returned both as the
// response message and as the error.
// Cancelling ctx abandons the request, its stream id stays reserved until the
// response or the reaper retires it.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	default:
	}

	d := p.deadline.Sub(p.conn.clock.Now())
	if d <= 0 {
		p.conn.expire(p)
		<-p.done
		return p.resp, p.err
	}
	timer := p.conn.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C():
		p.conn.expire(p)
		<-p.done
	case <-ctx.Done():
		p.abandoned.Store(true)
		return nil, ctx.Err()
	}
	return p.resp, p.err
}
