// Copyright (C) 2025 ScyllaDB

// Package cqltest provides a scriptable in-process CQL server for tests.
package cqltest

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

const PasswordAuthenticator = "org.apache.cassandra.auth.PasswordAuthenticator"

// Request is a request received after the handshake.
type Request struct {
	Header  frame.Header
	Message frame.Message
	// ConnID identifies the server side connection, in accept order.
	ConnID int
}

// Statement returns the query string of QUERY and PREPARE requests.
func (r *Request) Statement() string {
	switch m := r.Message.(type) {
	case *frame.Query:
		return m.Statement
	case *frame.Prepare:
		return m.Statement
	}
	return ""
}

// Reply is the server answer to a request. A nil Message leaves the request unanswered.
type Reply struct {
	Message  frame.Message
	Delay    time.Duration
	Warnings []string
}

type Handler func(r *Request) Reply

type Options struct {
	// Addr to listen on, a random local port by default.
	Addr string
	// Versions accepted by the server, defaults to v4 and v3.
	Versions []frame.Version
	// Compression algorithms advertised in SUPPORTED, defaults to lz4 and snappy.
	Compression []string
	// Username enables password authentication.
	Username string
	Password string
	// Handler answers requests after the handshake, DefaultHandler when nil.
	Handler Handler
}

type Server struct {
	opts Options
	ln   net.Listener

	mu     sync.Mutex
	conns  map[int]*serverConn
	nextID int
	closed bool

	accepted atomic.Int64
	requests atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
}

type serverConn struct {
	id   int
	conn net.Conn

	// in is only used by the serving goroutine.
	in frame.Codec

	wmu        sync.Mutex
	codec      frame.Codec
	ready      bool
	registered bool
}

// NewServer starts a server that's closed with the test.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	if len(opts.Versions) == 0 {
		opts.Versions = []frame.Version{frame.ProtocolV4, frame.ProtocolV3}
	}
	if opts.Compression == nil {
		opts.Compression = []string{frame.LZ4, frame.Snappy}
	}
	if opts.Handler == nil {
		opts.Handler = DefaultHandler
	}

	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		t.Fatalf("can't listen: %v", err)
	}
	s := &Server{
		opts:  opts,
		ln:    ln,
		conns: map[int]*serverConn{},
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SetHandler replaces the request handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Handler = h
}

func (s *Server) handler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Handler
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Requests returns the number of requests handled after handshakes.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// Open returns the number of currently open connections.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		sc := &serverConn{id: s.nextID, conn: nc}
		s.nextID++
		s.conns[sc.id] = sc
		s.mu.Unlock()

		s.accepted.Inc()
		s.wg.Add(1)
		go s.serve(sc)
	}
}

func (s *Server) serve(sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		_ = sc.conn.Close()
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
	}()

	dec := frame.NewDecoder(&sc.in)
	buf := make([]byte, 4096)
	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, err := dec.Next()
				if errors.Is(err, frame.ErrNeedMoreData) {
					break
				}
				if err != nil {
					klog.V(4).InfoS("Fake server can't decode frame", "ConnID", sc.id, "Error", err)
					return
				}
				s.handle(sc, f)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(sc *serverConn, f *frame.Frame) {
	h := f.Header
	if !slices.Contains(s.opts.Versions, h.Version) {
		s.write(sc, h, Reply{Message: &frame.Error{
			Code:    frame.ErrCodeProtocol,
			Message: fmt.Sprintf("Invalid or unsupported protocol version (%d)", byte(h.Version)),
		}})
		return
	}

	m, err := frame.ParseMessage(f)
	if err != nil {
		s.write(sc, h, Reply{Message: &frame.Error{Code: frame.ErrCodeProtocol, Message: err.Error()}})
		return
	}

	switch v := m.(type) {
	case *frame.Options:
		s.write(sc, h, Reply{Message: &frame.Supported{Options: map[string][]string{
			"CQL_VERSION": {"3.4.5"},
			"COMPRESSION": s.opts.Compression,
		}}})
		return
	case *frame.Startup:
		var comp frame.Compressor
		if name, ok := v.Options["COMPRESSION"]; ok {
			comp, err = frame.NewCompressor(name)
			if err != nil || !slices.Contains(s.opts.Compression, name) {
				s.write(sc, h, Reply{Message: &frame.Error{Code: frame.ErrCodeProtocol, Message: "unsupported compression " + name}})
				return
			}
		}
		if s.opts.Username != "" {
			s.write(sc, h, Reply{Message: &frame.Authenticate{Authenticator: PasswordAuthenticator}})
		} else {
			s.write(sc, h, Reply{Message: &frame.Ready{}})
			sc.setReady()
		}
		sc.in.Compressor = comp
		sc.setCompressor(comp)
		return
	case *frame.AuthResponse:
		if bytes.Equal(v.Token, frame.PlainTextToken(s.opts.Username, s.opts.Password)) {
			s.write(sc, h, Reply{Message: &frame.AuthSuccess{}})
			sc.setReady()
		} else {
			s.write(sc, h, Reply{Message: &frame.Error{Code: frame.ErrCodeCredentials, Message: "Username and/or password are incorrect"}})
		}
		return
	case *frame.Register:
		sc.wmu.Lock()
		sc.registered = true
		sc.wmu.Unlock()
	}

	if !sc.isReady() {
		s.write(sc, h, Reply{Message: &frame.Error{Code: frame.ErrCodeProtocol, Message: "connection not started"}})
		return
	}

	s.requests.Inc()
	r := s.handler()(&Request{Header: h, Message: m, ConnID: sc.id})
	if r.Message == nil {
		return
	}
	if r.Delay <= 0 {
		s.write(sc, h, r)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(r.Delay):
			s.write(sc, h, r)
		case <-s.done:
		}
	}()
}

func (sc *serverConn) setReady() {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	sc.ready = true
}

func (sc *serverConn) isReady() bool {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return sc.ready
}

func (sc *serverConn) setCompressor(c frame.Compressor) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	sc.codec.Compressor = c
}

func (s *Server) write(sc *serverConn, req frame.Header, r Reply) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()

	h := frame.Header{Version: req.Version, Response: true, StreamID: req.StreamID}
	if sc.codec.Compressor != nil {
		h.Flags |= frame.FlagCompress
	}
	f := frame.NewFrame(h, r.Message)
	f.Warnings = r.Warnings
	b, err := sc.codec.EncodeFrame(f)
	if err != nil {
		klog.ErrorS(err, "Fake server can't encode response", "ConnID", sc.id)
		return
	}
	_, _ = sc.conn.Write(b)
}

// Push sends ev to every connection registered for events.
func (s *Server) Push(ev frame.Event) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.wmu.Lock()
		registered := sc.registered
		sc.wmu.Unlock()
		if registered {
			s.write(sc, frame.Header{Version: frame.ProtocolV4, StreamID: frame.EventStreamID}, Reply{Message: ev})
		}
	}
}

// KillConnections closes every accepted connection, the listener keeps accepting.
func (s *Server) KillConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conns {
		_ = sc.conn.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	_ = s.ln.Close()
	for _, sc := range s.conns {
		_ = sc.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DefaultHandler answers USE, REGISTER and PREPARE, and every other request with a void result.
func DefaultHandler(r *Request) Reply {
	switch m := r.Message.(type) {
	case *frame.Register:
		return Reply{Message: &frame.Ready{}}
	case *frame.Prepare:
		return Reply{Message: &frame.PreparedResult{
			ID:             []byte(m.Statement),
			ResultMetadata: frame.ResultMetadata{NoMetadata: true},
		}}
	case *frame.Query:
		if ks, ok := strings.CutPrefix(m.Statement, "USE "); ok {
			return Reply{Message: &frame.SetKeyspaceResult{Keyspace: strings.Trim(ks, `"`)}}
		}
	}
	return Reply{Message: &frame.VoidResult{}}
}
