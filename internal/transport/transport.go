// Package transport is the boundary to the mesh network. Routing,
// encryption and retry belong to the transport; the rest of the program
// sees addressed messages and announces.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrNoRoute        = errors.New("no known route to destination")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Inbound is a message as delivered by the network. StampBits is the value
// the transport measured for the attached stamp, 0 if none.
type Inbound struct {
	Source      string
	Destination string
	Content     string
	Title       string
	Timestamp   time.Time
	StampBits   int
}

// Announce is a peer presence advertisement.
type Announce struct {
	Address     string
	DisplayName string
	StampCost   int
	At          time.Time
}

type Outgoing struct {
	Destination string
	Content     string
	Title       string
	Timestamp   time.Time
}

// Handler receives events from the transport. Implementations must not
// block for long: they run on the transport's goroutines.
type Handler interface {
	HandleInbound(Inbound)
	HandleAnnounce(Announce)
}

type Transport interface {
	Address() string
	// Start delivers events to h until ctx is done or Close is called.
	Start(ctx context.Context, h Handler) error
	// Send hands a message to the network. It returns once the network has
	// accepted it; delivery is reported through the receipt.
	Send(ctx context.Context, out Outgoing) (*Receipt, error)
	Announce(ctx context.Context, displayName string, stampCost int) error
	Close() error
}

// Receipt tracks one outbound message until the network confirms or gives
// up on delivery.
type Receipt struct {
	ID       string
	Started  time.Time
	once     sync.Once
	done     chan struct{}
	err      error
	finished time.Time
}

func NewReceipt() *Receipt {
	return &Receipt{ID: uuid.NewString(), Started: time.Now(), done: make(chan struct{})}
}

// Resolve records the outcome. Only the first call has any effect.
func (r *Receipt) Resolve(err error) {
	r.once.Do(func() {
		r.err = err
		r.finished = time.Now()
		close(r.done)
	})
}

func (r *Receipt) Done() <-chan struct{} { return r.done }

// Err is valid after Done is closed.
func (r *Receipt) Err() error {
	<-r.done
	return r.err
}

// Elapsed is the time from send to outcome, or so far if still pending.
func (r *Receipt) Elapsed() time.Duration {
	select {
	case <-r.done:
		return r.finished.Sub(r.Started)
	default:
		return time.Since(r.Started)
	}
}
