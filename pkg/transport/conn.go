// Copyright (C) 2025 ScyllaDB

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/util/fsm"
	"go.uber.org/atomic"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Conn multiplexes requests over one socket by stream id.
type Conn struct {
	addr    string
	cfg     ConnConfig
	version frame.Version
	conn    net.Conn
	clock   clock.Clock
	state   *fsm.StateMachine

	// encoder is set up during the handshake, before the connection is shared.
	encoder frame.Codec
	writeCh chan []byte

	mu       sync.Mutex // guards fields below
	streams  streamAllocator
	pending  map[frame.StreamID]*Pending
	listener EventListener
	draining bool
	drained  chan struct{}
	cause    error

	inFlight   atomic.Int32
	lastActive atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// Open dials addr and performs the handshake, trying every configured protocol version in order.
func Open(ctx context.Context, addr string, cfg ConnConfig) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}

	var errs []error
	for _, v := range cfg.ProtocolVersions {
		c, err := open(ctx, addr, v, cfg)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, errVersionMismatch) {
			return nil, err
		}
		klog.V(2).InfoS("Protocol version rejected by server", "Addr", addr, "Version", v, "Error", err)
		errs = append(errs, err)
	}
	return nil, &ConnectError{
		Kind: HandshakeMismatch,
		Addr: addr,
		Err:  fmt.Errorf("no protocol version was accepted: %w", utilerrors.NewAggregate(errs)),
	}
}

func open(ctx context.Context, addr string, v frame.Version, cfg ConnConfig) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	nc, err := dial(ctx, addr, cfg)
	if err != nil {
		kind := ConnectRefused
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Addr: addr, Err: err}
	}

	c := newConn(addr, nc, v, cfg)
	if err := c.handshake(ctx); err != nil {
		c.shutdown(err)
		kind := HandshakeMismatch
		if ctx.Err() != nil || errors.Is(err, ErrTimedOut) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Addr: addr, Err: err}
	}
	if err := c.state.Fire(ctx, eventHandshakeDone); err != nil {
		c.shutdown(err)
		return nil, &ConnectError{Kind: HandshakeMismatch, Addr: addr, Err: err}
	}

	klog.V(2).InfoS("Connection ready", "Addr", addr, "Version", v, "Compression", c.encoder.Compressor != nil)
	return c, nil
}

func dial(ctx context.Context, addr string, cfg ConnConfig) (net.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", withPort(addr, cfg.DefaultPort))
	if err != nil {
		return nil, err
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(cfg.TCPNoDelay); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("can't set TCP no delay option: %w", err)
		}
	}
	if cfg.TLSConfig == nil {
		return nc, nil
	}

	tc := tls.Client(nc, cfg.TLSConfig.Clone())
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("can't complete TLS handshake: %w", err)
	}
	return tc, nil
}

func withPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), port)
}

func newConn(addr string, nc net.Conn, v frame.Version, cfg ConnConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		addr:    addr,
		cfg:     cfg,
		version: v,
		conn:    nc,
		clock:   cfg.Clock,
		state:   newConnStateMachine(addr),
		encoder: frame.Codec{MaxBodyLength: cfg.MaxBodyLength},
		writeCh: make(chan []byte, cfg.MaxStreams+1),
		streams: newStreamAllocator(cfg.MaxStreams),
		pending: make(map[frame.StreamID]*Pending),
		drained: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.lastActive.Store(c.clock.Now().UnixNano())

	// Responses are decompressed with the requested algorithm, the server only
	// compresses once it accepted it.
	decoder := &frame.Codec{MaxBodyLength: cfg.MaxBodyLength}
	if cfg.Compression != "" {
		decoder.Compressor, _ = frame.NewCompressor(cfg.Compression)
	}

	c.loops.Add(3)
	go c.writeLoop()
	go c.readLoop(frame.NewDecoder(decoder))
	go func() {
		defer c.loops.Done()
		wait.UntilWithContext(ctx, c.reapExpired, cfg.ReaperInterval)
	}()
	return c
}

// approvedAuthenticators accept the PLAIN token, AllowAllAuthenticator never asks.
var approvedAuthenticators = map[string]struct{}{
	"PasswordAuthenticator":                           {},
	"org.apache.cassandra.auth.PasswordAuthenticator": {},
	"com.scylladb.auth.TransitionalAuthenticator":     {},
}

func (c *Conn) handshake(ctx context.Context) error {
	m, err := c.roundTrip(ctx, &frame.Options{})
	if err != nil {
		return fmt.Errorf("can't get supported options: %w", versionError(err))
	}
	supported, ok := m.(*frame.Supported)
	if !ok {
		return unexpectedResponse(m)
	}

	opts := map[string]string{"CQL_VERSION": cqlVersion}
	var compressor frame.Compressor
	if c.cfg.Compression != "" {
		if slices.Contains(supported.Options["COMPRESSION"], c.cfg.Compression) {
			opts["COMPRESSION"] = c.cfg.Compression
			compressor, _ = frame.NewCompressor(c.cfg.Compression)
		} else {
			klog.InfoS("Server doesn't support requested compression, continuing without it", "Addr", c.addr, "Compression", c.cfg.Compression, "Supported", supported.Options["COMPRESSION"])
		}
	}

	m, err = c.roundTrip(ctx, &frame.Startup{Options: opts})
	if err != nil {
		return fmt.Errorf("can't start up: %w", versionError(err))
	}
	c.encoder.Compressor = compressor

	switch v := m.(type) {
	case *frame.Ready:
	case *frame.Authenticate:
		if err := c.authenticate(ctx, v); err != nil {
			return err
		}
	default:
		return unexpectedResponse(m)
	}

	if c.cfg.Keyspace != "" {
		if err := c.useKeyspace(ctx, c.cfg.Keyspace); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) authenticate(ctx context.Context, a *frame.Authenticate) error {
	if _, ok := approvedAuthenticators[a.Authenticator]; !ok {
		return fmt.Errorf("authenticator %q not supported", a.Authenticator)
	}
	if c.cfg.Username == "" {
		return fmt.Errorf("server requires authentication with %q but no username is configured", a.Authenticator)
	}

	m, err := c.roundTrip(ctx, &frame.AuthResponse{Token: frame.PlainTextToken(c.cfg.Username, c.cfg.Password)})
	if err != nil {
		return fmt.Errorf("can't authenticate as %q: %w", c.cfg.Username, err)
	}
	switch v := m.(type) {
	case *frame.AuthSuccess:
		return nil
	case *frame.AuthChallenge:
		return fmt.Errorf("authentication challenge is not supported by %q", a.Authenticator)
	default:
		return unexpectedResponse(v)
	}
}

func (c *Conn) useKeyspace(ctx context.Context, keyspace string) error {
	m, err := c.roundTrip(ctx, &frame.Query{
		Statement: fmt.Sprintf("USE %q", keyspace),
		Params:    frame.QueryParams{Consistency: frame.One},
	})
	if err != nil {
		return fmt.Errorf("can't use keyspace %q: %w", keyspace, err)
	}
	if _, ok := m.(*frame.SetKeyspaceResult); !ok {
		return unexpectedResponse(m)
	}
	return nil
}

// versionError marks errors that mean the server refused our protocol version.
// Both servers answer with a PROTOCOL error naming the version, Scylla with
// "Invalid or unsupported protocol version: 5" and Cassandra with
// "Invalid or unsupported protocol version (5); supported versions are (3/v3, 4/v4, 5/v5-beta)".
func versionError(err error) error {
	var fe *frame.Error
	if errors.As(err, &fe) && fe.Code == frame.ErrCodeProtocol && strings.Contains(strings.ToLower(fe.Message), "version") {
		return fmt.Errorf("%w: %w", errVersionMismatch, err)
	}
	var cfe *frame.CorruptFrameError
	if errors.As(err, &cfe) && !cfe.Header.Version.Supported() {
		return fmt.Errorf("%w: %w", errVersionMismatch, err)
	}
	return err
}

func unexpectedResponse(m frame.Message) error {
	if m == nil {
		return fmt.Errorf("%w: empty response", frame.ErrUnexpectedOpcode)
	}
	return fmt.Errorf("%w: %s", frame.ErrUnexpectedOpcode, m.OpCode())
}

// roundTrip is used before the connection is Ready.
func (c *Conn) roundTrip(ctx context.Context, req frame.Message) (frame.Message, error) {
	s, err := c.reserve()
	if err != nil {
		return nil, err
	}
	p, err := s.Send(req, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) Version() frame.Version {
	return c.version
}

func (c *Conn) State() fsm.State {
	return c.state.Current()
}

func (c *Conn) String() string {
	return fmt.Sprintf("[%s %s]", c.addr, c.version)
}

// InFlight returns the number of reserved stream ids.
func (c *Conn) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *Conn) MaxStreams() int {
	return c.cfg.MaxStreams
}

// IdleSince returns when a stream was last reserved.
func (c *Conn) IdleSince() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Err returns the reason the connection stopped, nil while it's usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Reserve allocates a stream id for one request.
func (c *Conn) Reserve() (*Slot, error) {
	if !c.state.Is(StateReady) {
		return nil, ErrConnClosed
	}
	return c.reserve()
}

func (c *Conn) reserve() (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cause != nil || c.draining {
		return nil, ErrConnClosed
	}
	id, err := c.streams.Alloc()
	if err != nil {
		return nil, err
	}
	c.inFlight.Inc()
	c.lastActive.Store(c.clock.Now().UnixNano())
	return &Slot{conn: c, stream: id}, nil
}

// Send reserves a stream id and sends req on it.
func (c *Conn) Send(req frame.Message, timeout time.Duration) (*Pending, error) {
	s, err := c.Reserve()
	if err != nil {
		return nil, err
	}
	return s.Send(req, timeout)
}

// Do sends req with the default request timeout and waits for the response.
func (c *Conn) Do(ctx context.Context, req frame.Message) (*Response, error) {
	p, err := c.Send(req, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func compressible(op frame.OpCode) bool {
	return op != frame.OpStartup && op != frame.OpOptions
}

func (c *Conn) submit(id frame.StreamID, req frame.Message, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	h := frame.Header{Version: c.version, StreamID: id}
	if c.encoder.Compressor != nil && compressible(req.OpCode()) {
		h.Flags |= frame.FlagCompress
	}
	b, err := c.encoder.Encode(h, req)
	if err != nil {
		c.retireStream(id)
		return nil, fmt.Errorf("can't encode %s: %w", req.OpCode(), err)
	}

	p := &Pending{
		conn:     c,
		stream:   id,
		op:       req.OpCode(),
		deadline: c.clock.Now().Add(timeout),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.cause != nil {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	select {
	case c.writeCh <- b:
	case <-c.ctx.Done():
		// The request was failed along with the connection.
	}
	return p, nil
}

// retireStream frees id for reuse.
func (c *Conn) retireStream(id frame.StreamID) {
	c.mu.Lock()
	freed := c.streams.Free(id)
	if freed {
		c.inFlight.Dec()
	}
	if c.draining && c.streams.InUse() == 0 {
		c.closeDrainedLocked()
	}
	c.mu.Unlock()

	if freed && c.cfg.OnStreamFree != nil {
		c.cfg.OnStreamFree(c)
	}
}

func (c *Conn) closeDrainedLocked() {
	select {
	case <-c.drained:
	default:
		close(c.drained)
	}
}

func (c *Conn) expire(p *Pending) {
	c.mu.Lock()
	if c.pending[p.stream] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.stream)
	c.mu.Unlock()

	klog.V(4).InfoS("Request timed out", "Addr", c.addr, "StreamID", p.stream, "OpCode", p.op, "Abandoned", p.Abandoned())
	c.retireStream(p.stream)
	p.resolve(nil, ErrTimedOut)
}

// reapExpired resolves requests past their deadline that nobody waits for.
func (c *Conn) reapExpired(context.Context) {
	now := c.clock.Now()

	var expired []*Pending
	c.mu.Lock()
	for id, p := range c.pending {
		if !now.Before(p.deadline) {
			delete(c.pending, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		klog.V(4).InfoS("Reaping expired request", "Addr", c.addr, "StreamID", p.stream, "OpCode", p.op, "Abandoned", p.Abandoned())
		c.retireStream(p.stream)
		p.resolve(nil, ErrTimedOut)
	}
}

func (c *Conn) writeLoop() {
	defer c.loops.Done()

	w := bufio.NewWriterSize(c.conn, ioBufferSize)
	for {
		var b []byte
		select {
		case b = <-c.writeCh:
		case <-c.ctx.Done():
			return
		}

		// Coalesce whatever is queued into a single flush.
		for n := 1; ; n++ {
			if _, err := w.Write(b); err != nil {
				c.fault(fmt.Errorf("can't write frame: %w", err))
				return
			}
			if n >= maxCoalescedRequests {
				break
			}
			var more bool
			select {
			case b = <-c.writeCh:
				more = true
			default:
			}
			if !more {
				break
			}
		}
		if err := w.Flush(); err != nil {
			c.fault(fmt.Errorf("can't flush frames: %w", err))
			return
		}
	}
}

func (c *Conn) readLoop(dec *frame.Decoder) {
	defer c.loops.Done()

	buf := make([]byte, ioBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, err := dec.Next()
				if errors.Is(err, frame.ErrNeedMoreData) {
					break
				}
				if err != nil {
					c.fault(err)
					return
				}
				if err := c.dispatch(f); err != nil {
					c.fault(err)
					return
				}
			}
		}
		if err != nil {
			c.fault(fmt.Errorf("can't read: %w", err))
			return
		}
	}
}

func (c *Conn) dispatch(f *frame.Frame) error {
	id := f.Header.StreamID
	if id < 0 {
		if f.Header.OpCode != frame.OpEvent {
			klog.V(2).InfoS("Discarding frame with negative stream id", "Addr", c.addr, "StreamID", id, "OpCode", f.Header.OpCode)
			return nil
		}
		m, err := frame.ParseMessage(f)
		if err != nil {
			return err
		}
		c.mu.Lock()
		l := c.listener
		c.mu.Unlock()
		if ev, ok := m.(frame.Event); ok && l != nil {
			l(ev)
		}
		return nil
	}

	m, err := frame.ParseMessage(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		klog.V(2).InfoS("Discarding response for unknown stream", "Addr", c.addr, "StreamID", id, "OpCode", f.Header.OpCode)
		return nil
	}

	resp := &Response{
		Header:        f.Header,
		TracingID:     f.TracingID,
		Warnings:      f.Warnings,
		CustomPayload: f.CustomPayload,
		Message:       m,
	}
	var rerr error
	if f.Header.Version != c.version {
		rerr = fmt.Errorf("%w: %s response to %s request", errVersionMismatch, f.Header.Version, c.version)
	} else if e, ok := m.(*frame.Error); ok {
		rerr = e
	}
	if len(f.Warnings) > 0 {
		klog.V(3).InfoS("Server warnings", "Addr", c.addr, "StreamID", id, "Warnings", f.Warnings)
	}

	c.retireStream(id)
	p.resolve(resp, rerr)
	return nil
}

// Register subscribes to server events, l is called for each of them.
func (c *Conn) Register(ctx context.Context, l EventListener, events ...frame.EventType) error {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()

	resp, err := c.Do(ctx, &frame.Register{EventTypes: events})
	if err != nil {
		return fmt.Errorf("can't register for events %v: %w", events, err)
	}
	if _, ok := resp.Message.(*frame.Ready); !ok {
		return unexpectedResponse(resp.Message)
	}
	return nil
}

// detach removes every pending request and makes the connection unusable.
// It returns false when the connection already stopped.
func (c *Conn) detach(cause error) ([]*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cause != nil {
		return nil, false
	}
	c.cause = cause
	pending := make([]*Pending, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.pending = make(map[frame.StreamID]*Pending)
	c.streams.Reset()
	c.inFlight.Store(0)
	c.closeDrainedLocked()
	return pending, true
}

func (c *Conn) fault(err error) {
	wasConnecting := c.state.Is(StateConnecting)
	pending, ok := c.detach(err)
	if !ok {
		return
	}
	if ferr := c.state.Fire(context.Background(), eventFault); ferr != nil {
		klog.V(4).InfoS("Ignoring fault transition", "Addr", c.addr, "Error", ferr)
	}
	klog.ErrorS(err, "Connection faulted", "Addr", c.addr, "Pending", len(pending))

	c.cancel()
	_ = c.conn.Close()

	lost := fmt.Errorf("%w: %w", ErrConnectionLost, err)
	for _, p := range pending {
		p.resolve(nil, lost)
	}

	if !wasConnecting && c.cfg.OnFault != nil {
		c.cfg.OnFault(c, err)
	}
}

func (c *Conn) shutdown(cause error) {
	pending, ok := c.detach(cause)
	if !ok {
		c.loops.Wait()
		return
	}
	if err := c.state.Fire(context.Background(), eventClosed); err != nil {
		klog.V(4).InfoS("Ignoring close transition", "Addr", c.addr, "Error", err)
	}

	c.cancel()
	_ = c.conn.Close()

	lost := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	for _, p := range pending {
		p.resolve(nil, lost)
	}
	c.loops.Wait()
}

// Close stops accepting requests, waits for the ones in flight until ctx is done,
// and closes the socket.
func (c *Conn) Close(ctx context.Context) error {
	if err := c.state.Fire(ctx, eventDrain); err != nil && !c.state.Is(StateDraining) {
		if c.state.Is(StateConnecting) {
			c.shutdown(ErrConnClosed)
		}
		return nil
	}

	c.mu.Lock()
	c.draining = true
	if c.streams.InUse() == 0 {
		c.closeDrainedLocked()
	}
	c.mu.Unlock()

	var err error
	select {
	case <-c.drained:
	case <-ctx.Done():
		err = fmt.Errorf("can't drain %d requests on %s: %w", c.InFlight(), c.addr, ctx.Err())
	}
	c.shutdown(ErrConnClosed)
	klog.V(2).InfoS("Connection closed", "Addr", c.addr)
	return err
}
