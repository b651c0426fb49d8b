// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// DefaultTimeout is the per-request timeout when ClientConfig.Timeout is zero.
const DefaultTimeout = 500 * time.Millisecond

var (
	// ErrTimeout is returned when no response arrives within the timeout.
	ErrTimeout = errors.New("psylink: request timed out")

	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("psylink: client closed")

	// ErrConnectionClosed is returned once the underlying stream fails.
	ErrConnectionClosed = errors.New("psylink: connection closed")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// Logger receives link diagnostics. Nil uses log.Default().
	Logger *log.Logger

	// Trace, when set, is called for every packet sent (outbound true) and
	// received. It runs on the sending or reading goroutine.
	Trace func(p *Packet, outbound bool)
}

// Client talks to a property host over a byte stream. It implements
// psy.Source and psy.Notifier. Requests may be issued from any goroutine;
// responses are matched to requests by sequence number.
type Client struct {
	conn io.ReadWriteCloser
	cfg  ClientConfig
	log  *log.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextSeq uint32
	pending map[uint32]chan *Packet
	closed  bool
	err     error

	done chan struct{}

	callbacks struct {
		mu        sync.Mutex
		notifiers map[int]psy.NotifyFunc
		nextID    int
	}
}

// NewClient starts reading from conn and returns the client. The client
// owns conn and closes it on Close.
func NewClient(conn io.ReadWriteCloser, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	c := &Client{
		conn:    conn,
		cfg:     cfg,
		log:     l,
		nextSeq: 1,
		pending: make(map[uint32]chan *Packet),
		done:    make(chan struct{}),
	}
	c.callbacks.notifiers = make(map[int]psy.NotifyFunc)
	go c.readLoop()
	return c
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the read loop exited, or nil while it runs.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and fails all outstanding requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Available implements psy.Source. A link failure reports the endpoint as
// unavailable.
func (c *Client) Available(ep psy.Endpoint) bool {
	resp, err := c.request(func(seq uint32) *Packet { return NewEndpointQuery(seq, ep) })
	if err != nil {
		c.log.Printf("psylink: query %s: %v", ep, err)
		return false
	}
	if resp.Type() != MsgEndpointStatus {
		return false
	}
	available, _ := GetMapBool(resp.PayloadMap(), 1)
	return available
}

// Get implements psy.Source.
func (c *Client) Get(ep psy.Endpoint, prop psy.Property) (int, error) {
	resp, err := c.request(func(seq uint32) *Packet { return NewGetProperty(seq, ep, prop) })
	if err != nil {
		return 0, fmt.Errorf("%w: get %s/%s: %w", psy.ErrPropertyAccessFailed, ep, prop, err)
	}
	if resp.Type() != MsgPropertyValue {
		return 0, responseError(resp, ep, prop)
	}
	v, ok := GetMapInt(resp.PayloadMap(), 2)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s: response has no value", psy.ErrPropertyAccessFailed, ep, prop)
	}
	return int(v), nil
}

// Set implements psy.Source.
func (c *Client) Set(ep psy.Endpoint, prop psy.Property, value int) error {
	resp, err := c.request(func(seq uint32) *Packet { return NewSetProperty(seq, ep, prop, value) })
	if err != nil {
		return fmt.Errorf("%w: set %s/%s: %w", psy.ErrPropertyAccessFailed, ep, prop, err)
	}
	if resp.Type() != MsgSetAck {
		return responseError(resp, ep, prop)
	}
	return nil
}

// RegisterNotifier implements psy.Notifier. fn is called from the read loop
// for every SUPPLY_CHANGED event and must not block or issue requests.
func (c *Client) RegisterNotifier(fn psy.NotifyFunc) (func(), error) {
	if fn == nil {
		return nil, errors.New("psylink: nil notifier")
	}
	c.callbacks.mu.Lock()
	id := c.callbacks.nextID
	c.callbacks.nextID++
	c.callbacks.notifiers[id] = fn
	c.callbacks.mu.Unlock()

	return func() {
		c.callbacks.mu.Lock()
		delete(c.callbacks.notifiers, id)
		c.callbacks.mu.Unlock()
	}, nil
}

// Ping sends a PING_REQUEST and returns the host uptime in milliseconds.
func (c *Client) Ping(ctx context.Context) (uint64, error) {
	resp, err := c.requestContext(ctx, NewPingRequest)
	if err != nil {
		return 0, err
	}
	if resp.Type() != MsgPingResponse {
		return 0, fmt.Errorf("psylink: unexpected %s in reply to ping", FormatMessageType(resp.Type()))
	}
	uptime, _ := GetMapUint(resp.PayloadMap(), 0)
	return uptime, nil
}

func responseError(resp *Packet, ep psy.Endpoint, prop psy.Property) error {
	m := resp.PayloadMap()
	switch resp.Type() {
	case MsgErrorUnavailable:
		return fmt.Errorf("%w: %s", psy.ErrEndpointUnavailable, ep)
	case MsgErrorAccess:
		code, _ := GetMapInt(m, 2)
		return fmt.Errorf("%w: %s/%s: host error %d", psy.ErrPropertyAccessFailed, ep, prop, code)
	case MsgErrorInvalidCmd:
		return fmt.Errorf("%w: %s/%s: host rejected request", psy.ErrPropertyAccessFailed, ep, prop)
	default:
		return fmt.Errorf("%w: %s/%s: unexpected %s", psy.ErrPropertyAccessFailed, ep, prop, FormatMessageType(resp.Type()))
	}
}

func (c *Client) request(build func(seq uint32) *Packet) (*Packet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.requestContext(ctx, build)
}

func (c *Client) requestContext(ctx context.Context, build func(seq uint32) *Packet) (*Packet, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	seq := c.nextSeq
	c.nextSeq++
	if c.nextSeq == SeqUnsolicited {
		c.nextSeq++
	}
	ch := make(chan *Packet, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	if err := c.send(build(seq)); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *Client) send(p *Packet) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	if c.cfg.Trace != nil {
		c.cfg.Trace(p, true)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	decoder := NewDecoder()
	buf := make([]byte, 128)
	for {
		n, err := c.conn.Read(buf)
		for i := 0; i < n; i++ {
			packet, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil {
				c.log.Printf("psylink: decode: %v", decodeErr)
				continue
			}
			if packet != nil {
				c.dispatch(packet)
			}
		}
		if noise := decoder.TakeNoise(); len(noise) > 0 {
			c.log.Printf("psylink: skipped %d bytes outside frames", len(noise))
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *Client) dispatch(p *Packet) {
	if c.cfg.Trace != nil {
		c.cfg.Trace(p, false)
	}
	if err := p.ParseError(); err != nil {
		c.log.Printf("psylink: dropping packet seq %d: %v", p.Seq(), err)
		return
	}

	if p.Type() == MsgSupplyChanged {
		supply, _ := GetMapString(p.PayloadMap(), 0)
		c.callbacks.mu.Lock()
		fns := make([]psy.NotifyFunc, 0, len(c.callbacks.notifiers))
		for _, fn := range c.callbacks.notifiers {
			fns = append(fns, fn)
		}
		c.callbacks.mu.Unlock()
		for _, fn := range fns {
			fn(supply)
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[p.Seq()]
	delete(c.pending, p.Seq())
	c.mu.Unlock()
	if !ok {
		c.log.Printf("psylink: unmatched %s seq %d", FormatMessageType(p.Type()), p.Seq())
		return
	}
	ch <- p
}
