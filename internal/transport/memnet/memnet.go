// Package memnet is an in-process network. Every endpoint attached to a Hub
// can reach every other started endpoint directly.
package memnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshchat/internal/transport"
)

type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	wg        sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Attach creates the endpoint for address. It receives nothing until
// Start is called.
func (h *Hub) Attach(address string) *Endpoint {
	e := &Endpoint{hub: h, address: address, stopped: make(chan struct{})}
	h.mu.Lock()
	h.endpoints[address] = e
	h.mu.Unlock()
	return e
}

// Wait blocks until all in-flight deliveries have been handed over.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) lookup(address string) (*Endpoint, transport.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.endpoints[address]
	if !ok {
		return nil, nil
	}
	return e, e.handlerLocked()
}

func (h *Hub) others(self string) []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Endpoint, 0, len(h.endpoints))
	for addr, e := range h.endpoints {
		if addr != self {
			out = append(out, e)
		}
	}
	return out
}

type Endpoint struct {
	hub     *Hub
	address string

	// guarded by hub.mu
	handler   transport.Handler
	closed    bool
	stampBits int
	stampCost int
	drop      bool

	stopOnce sync.Once
	stopped  chan struct{}
}

func (e *Endpoint) handlerLocked() transport.Handler {
	if e.closed {
		return nil
	}
	return e.handler
}

func (e *Endpoint) Address() string { return e.address }

// Started reports whether Start has installed a handler.
func (e *Endpoint) Started() bool {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.handlerLocked() != nil
}

// SetStampBits sets the stamp value attached to messages this endpoint sends.
func (e *Endpoint) SetStampBits(bits int) {
	e.hub.mu.Lock()
	e.stampBits = bits
	e.hub.mu.Unlock()
}

// SetUnreachable makes deliveries to this endpoint fail.
func (e *Endpoint) SetUnreachable(drop bool) {
	e.hub.mu.Lock()
	e.drop = drop
	e.hub.mu.Unlock()
}

func (e *Endpoint) Start(ctx context.Context, h transport.Handler) error {
	e.hub.mu.Lock()
	if e.closed {
		e.hub.mu.Unlock()
		return transport.ErrClosed
	}
	e.handler = h
	e.hub.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-e.stopped:
	}
	return nil
}

func (e *Endpoint) Send(ctx context.Context, out transport.Outgoing) (*transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.hub.mu.Lock()
	if e.closed {
		e.hub.mu.Unlock()
		return nil, transport.ErrClosed
	}
	bits := e.stampBits
	e.hub.mu.Unlock()

	r := transport.NewReceipt()
	ts := out.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	in := transport.Inbound{
		Source:      e.address,
		Destination: out.Destination,
		Content:     out.Content,
		Title:       out.Title,
		Timestamp:   ts,
		StampBits:   bits,
	}
	e.hub.wg.Add(1)
	go func() {
		defer e.hub.wg.Done()
		dst, h := e.hub.lookup(out.Destination)
		if dst == nil || h == nil {
			r.Resolve(fmt.Errorf("%w: %s", transport.ErrNoRoute, out.Destination))
			return
		}
		e.hub.mu.Lock()
		drop := dst.drop
		e.hub.mu.Unlock()
		if drop {
			r.Resolve(transport.ErrDeliveryFailed)
			return
		}
		h.HandleInbound(in)
		r.Resolve(nil)
	}()
	return r, nil
}

func (e *Endpoint) Announce(ctx context.Context, displayName string, stampCost int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.Lock()
	e.stampCost = stampCost
	e.hub.mu.Unlock()
	a := transport.Announce{Address: e.address, DisplayName: displayName, StampCost: stampCost, At: time.Now()}
	for _, other := range e.hub.others(e.address) {
		e.hub.mu.Lock()
		h := other.handlerLocked()
		e.hub.mu.Unlock()
		if h == nil {
			continue
		}
		e.hub.wg.Add(1)
		go func() {
			defer e.hub.wg.Done()
			h.HandleAnnounce(a)
		}()
	}
	return nil
}

func (e *Endpoint) Close() error {
	e.hub.mu.Lock()
	e.closed = true
	e.hub.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopped) })
	return nil
}
